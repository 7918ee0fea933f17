package warming

import "time"

// Result is the outcome of one strategy in a run.
type Result struct {
	ID       string
	Success  bool
	Items    int
	Skipped  int
	Duration time.Duration
	Err      error
}

// Report aggregates a warming run.
type Report struct {
	Strategies  int
	ItemsWarmed int
	Duration    time.Duration
	// Throughput is items warmed per second of wall-clock time.
	Throughput float64
	Results    []Result
}

// Result returns the result recorded for id.
func (r Report) Result(id string) (Result, bool) {
	for _, res := range r.Results {
		if res.ID == id {
			return res, true
		}
	}
	return Result{}, false
}

// Failed returns the results of the strategies that did not succeed.
func (r Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res)
		}
	}
	return failed
}

func (r *Report) finish(start time.Time) {
	r.Duration = time.Since(start)
	r.Strategies = len(r.Results)
	for _, res := range r.Results {
		r.ItemsWarmed += res.Items
	}
	if secs := r.Duration.Seconds(); secs > 0 {
		r.Throughput = float64(r.ItemsWarmed) / secs
	}
}
