package orchestrator

import (
	"errors"
	"fmt"
	"unicode"

	"github.com/n0madic/go-chatdispatch/internal/stream"
	"github.com/n0madic/go-chatdispatch/internal/types"
)

// ErrRejected wraps every post-filter rejection.
var ErrRejected = errors.New("reply rejected")

// Filter inspects the visible text of a successful reply. A non-nil error
// rejects the reply and counts as a failed attempt on the same model.
type Filter func(text string) error

// BannedScripts rejects text containing any rune of the named Unicode
// scripts (keys of unicode.Scripts). Unknown names are ignored.
func BannedScripts(names ...string) Filter {
	tables := make(map[string]*unicode.RangeTable, len(names))
	for _, n := range names {
		if t, ok := unicode.Scripts[n]; ok {
			tables[n] = t
		}
	}
	if len(tables) == 0 {
		return nil
	}
	return func(text string) error {
		for _, r := range text {
			for name, t := range tables {
				if unicode.Is(t, r) {
					return fmt.Errorf("contains %s script character %q", name, r)
				}
			}
		}
		return nil
	}
}

// check runs every filter against each visible text of res.
func check(res *types.Result, filters []Filter) error {
	var texts []string
	switch res.Kind {
	case types.KindSuccess:
		_, visible := stream.SplitThoughts(res.Text)
		texts = append(texts, visible)
	case types.KindMultiline:
		for _, l := range res.Lines {
			texts = append(texts, l.Text)
		}
	default:
		return nil
	}
	for _, f := range filters {
		if f == nil {
			continue
		}
		for _, t := range texts {
			if err := f(t); err != nil {
				return fmt.Errorf("%w: %w", ErrRejected, err)
			}
		}
	}
	return nil
}
