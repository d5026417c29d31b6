package ui

import (
	"sync"

	"github.com/eiannone/keyboard"
)

// Single-key input shared by every interactive mode. The keyboard is a
// process-wide resource, so the reader starts once and all callers share
// one channel.
var (
	keyCh     chan rune
	startOnce sync.Once
	opened    bool
)

// StartKeyEvents returns a channel that emits single-key runes read
// without Enter. ESC arrives as rune 27. If the keyboard backend cannot
// be opened (piped stdin, CI) the channel simply never emits; it is
// closed when the backend fails mid-run.
func StartKeyEvents() chan rune {
	startOnce.Do(func() {
		keyCh = make(chan rune, 64)
		if err := keyboard.Open(); err != nil {
			return
		}
		opened = true
		go func() {
			for {
				char, key, err := keyboard.GetKey()
				if err != nil {
					close(keyCh)
					return
				}
				if key == keyboard.KeyEsc {
					char = 27
				} else if key != 0 {
					continue
				}
				select {
				case keyCh <- char:
				default:
				}
			}
		}()
	})
	return keyCh
}

// DrainKeys consumes any immediately available keys so a stale press
// never triggers an action.
func DrainKeys() {
	ch := StartKeyEvents()
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// Close restores the terminal state. Safe to call more than once.
func Close() {
	if opened {
		opened = false
		_ = keyboard.Close()
	}
}
