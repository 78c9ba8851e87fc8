package remotefunc

import "time"

// Option configures an Agent.
type Option func(*runnerConfig)

type runnerConfig struct {
	timeout         time.Duration
	callbackAddr    string
	callbackExtAddr string
	maxRetries      int
	retryDelay      time.Duration
}

func defaultConfig() runnerConfig {
	return runnerConfig{
		timeout:      60 * time.Second,
		callbackAddr: "127.0.0.1:0",
		maxRetries:   3,
		retryDelay:   500 * time.Millisecond,
	}
}

// WithTimeout sets the maximum duration for one turn. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) { c.timeout = d }
}

// WithCallbackAddr sets the listen address for the auto-started callback
// server. Default: "127.0.0.1:0" (random free port).
func WithCallbackAddr(addr string) Option {
	return func(c *runnerConfig) { c.callbackAddr = addr }
}

// WithCallbackExternal disables the auto-started callback server; the
// caller mounts Agent.Handler() on its own mux reachable at externalURL.
func WithCallbackExternal(externalURL string) Option {
	return func(c *runnerConfig) { c.callbackExtAddr = externalURL }
}

// WithMaxRetries sets the maximum number of attempts for a turn POST on
// transient failure, the first attempt included. Default: 3.
func WithMaxRetries(n int) Option {
	return func(c *runnerConfig) { c.maxRetries = n }
}

// WithRetryDelay sets the initial retry backoff, doubled on each attempt.
// Default: 500ms.
func WithRetryDelay(d time.Duration) Option {
	return func(c *runnerConfig) { c.retryDelay = d }
}
