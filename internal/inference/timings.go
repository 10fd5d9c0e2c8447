package inference

import "time"

// Timings accumulates decode wall time. Multi-entry decodes count as
// prompt evaluation, single-entry decodes as generation.
type Timings struct {
	Created      time.Time
	PromptEval   time.Duration
	PromptTokens int
	Eval         time.Duration
	EvalTokens   int
	Decodes      int
}

func (t *Timings) record(n int, d time.Duration) {
	t.Decodes++
	if n > 1 {
		t.PromptEval += d
		t.PromptTokens += n
		return
	}
	t.Eval += d
	t.EvalTokens += n
}

func perSecond(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}

func (t Timings) PromptTPS() float64 { return perSecond(t.PromptTokens, t.PromptEval) }
func (t Timings) EvalTPS() float64   { return perSecond(t.EvalTokens, t.Eval) }

// Timings returns a copy of the accumulated timings.
func (c *Context) Timings() (Timings, error) {
	if err := c.claim(); err != nil {
		return Timings{}, err
	}
	defer c.done()
	return c.timings, nil
}

// ResetTimings zeroes the counters.
func (c *Context) ResetTimings() error {
	if err := c.claim(); err != nil {
		return err
	}
	defer c.done()
	c.timings = Timings{Created: time.Now()}
	return nil
}

// LogTimings writes the counters to the context logger.
func (c *Context) LogTimings() error {
	t, err := c.Timings()
	if err != nil {
		return err
	}
	c.log.Info("timings",
		"prompt_tokens", t.PromptTokens,
		"prompt_ms", t.PromptEval.Milliseconds(),
		"prompt_tps", t.PromptTPS(),
		"eval_tokens", t.EvalTokens,
		"eval_ms", t.Eval.Milliseconds(),
		"eval_tps", t.EvalTPS(),
		"decodes", t.Decodes,
	)
	return nil
}
