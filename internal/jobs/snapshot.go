package jobs

// runSnapshot checks every shard's pending-write count against its
// configured threshold and flushes (snapshot + WAL truncate + index save)
// any shard that has crossed it (spec §4.9: "triggered by a pending-write
// threshold, default ≈ 50,000").
func (r *Runner) runSnapshot() {
	for i := 0; i < r.router.NumShards(); i++ {
		e := r.router.Shard(i)
		if !e.ShouldSnapshot() {
			continue
		}
		if err := e.Flush(); err != nil {
			r.log.Error().Int("shard", i).Err(err).Msg("scheduled snapshot flush failed")
		}
	}
}
