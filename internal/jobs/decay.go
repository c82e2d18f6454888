package jobs

// runDecay ticks every shard's strength decay once per configured interval
// (spec §3, §4.6, §4.9). Each shard engine owns its own decay math; this
// job is only the scheduling loop.
func (r *Runner) runDecay() {
	for i := 0; i < r.router.NumShards(); i++ {
		e := r.router.Shard(i)
		removed, err := e.Decay()
		if err != nil {
			r.log.Error().Int("shard", i).Err(err).Msg("decay tick failed")
			continue
		}
		if removed > 0 {
			r.log.Info().Int("shard", i).Int("removed", removed).Msg("decay removed weak concepts")
		}
	}
}
