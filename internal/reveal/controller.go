// Package reveal paces the display of streamed text independently of when
// fragments arrive on the network.
package reveal

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSessionActive is returned by Start while another message is being revealed.
var ErrSessionActive = errors.New("reveal session already active")

// ContentFunc receives every revealed increment as the full text so far.
type ContentFunc func(messageID, text string)

// Config controls reveal pacing.
type Config struct {
	// Interval between reveal ticks.
	Interval time.Duration
	// MinStep is the minimum number of runes revealed per tick.
	MinStep int
	// CatchUpDivisor reveals backlog/CatchUpDivisor runes per tick when that
	// exceeds MinStep, so a large burst drains in a bounded number of ticks.
	CatchUpDivisor int
}

// DefaultConfig returns the pacing used by the chat client.
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Millisecond,
		MinStep:        2,
		CatchUpDivisor: 8,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MinStep <= 0 {
		c.MinStep = def.MinStep
	}
	if c.CatchUpDivisor <= 0 {
		c.CatchUpDivisor = def.CatchUpDivisor
	}
	return c
}

// Controller buffers fragments for at most one message at a time and reveals
// them on its own ticker.
type Controller struct {
	cfg       Config
	onContent ContentFunc
	logger    *slog.Logger

	// emitMu is held across a content callback so Stop can guarantee that no
	// callback for the cancelled session runs after it returns.
	emitMu sync.Mutex

	mu        sync.Mutex
	id        string
	received  []rune
	revealed  int
	completed bool
	gen       uint64
	stop      chan struct{}
}

// NewController creates an idle controller.
func NewController(cfg Config, onContent ContentFunc, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if onContent == nil {
		onContent = func(string, string) {}
	}
	return &Controller{
		cfg:       cfg.normalized(),
		onContent: onContent,
		logger:    logger,
	}
}

// Start begins revealing into messageID.
func (c *Controller) Start(messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id != "" {
		c.logger.Warn("[REVEAL] Start ignored, session already active",
			"active_id", c.id,
			"requested_id", messageID,
		)
		return ErrSessionActive
	}

	c.id = messageID
	c.received = c.received[:0]
	c.revealed = 0
	c.completed = false
	c.gen++
	c.stop = make(chan struct{})

	go c.run(c.gen, c.stop)
	c.logger.Debug("[REVEAL] Session started", "message_id", messageID)
	return nil
}

// ProcessFragment appends text to the active session.
func (c *Controller) ProcessFragment(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id == "" || c.completed {
		c.logger.Debug("[REVEAL] Fragment dropped, no accepting session", "len", len(text))
		return
	}
	c.received = append(c.received, []rune(text)...)
}

// Complete marks the end of input and returns everything received so far.
// Buffered text keeps being revealed until caught up.
func (c *Controller) Complete() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id == "" {
		return ""
	}
	c.completed = true
	return string(c.received)
}

// Stop cancels the active session immediately and clears its buffers.
func (c *Controller) Stop() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.id == "" {
		return
	}
	c.logger.Debug("[REVEAL] Session stopped", "message_id", c.id, "revealed", c.revealed, "received", len(c.received))
	c.resetLocked()
}

// CurrentID returns the message id of the active session, or "".
func (c *Controller) CurrentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// IsStreaming reports whether a session is active, including one that is
// completed but still catching up.
func (c *Controller) IsStreaming() bool {
	return c.CurrentID() != ""
}

// Draining reports whether the active session no longer accepts fragments.
func (c *Controller) Draining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id != "" && c.completed
}

func (c *Controller) resetLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.id = ""
	c.received = nil
	c.revealed = 0
	c.completed = false
	c.gen++
}

func (c *Controller) run(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.tick(gen) {
				return
			}
		}
	}
}

// tick reveals the next increment. It returns false once the session is over.
func (c *Controller) tick(gen uint64) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}

	backlog := len(c.received) - c.revealed
	if backlog <= 0 {
		if c.completed {
			c.logger.Debug("[REVEAL] Session caught up", "message_id", c.id, "len", c.revealed)
			c.resetLocked()
			c.mu.Unlock()
			return false
		}
		c.mu.Unlock()
		return true
	}

	step := backlog / c.cfg.CatchUpDivisor
	if step < c.cfg.MinStep {
		step = c.cfg.MinStep
	}
	if step > backlog {
		step = backlog
	}
	c.revealed += step
	id := c.id
	text := string(c.received[:c.revealed])
	c.mu.Unlock()

	c.onContent(id, text)
	return true
}
