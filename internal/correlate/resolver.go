package correlate

import (
	"context"
	"regexp"
	"strings"

	"github.com/masterfermin02/vic-agent-ui/internal/ami"
	"github.com/masterfermin02/vic-agent-ui/internal/session"
	"github.com/rs/zerolog"
)

// Channel-like fields, in priority order. Each contributes the raw value and
// a variant with the ;1/;2 leg suffix stripped, because the dialer reports
// the two legs of a Local channel under suffixed names while the session
// stores the unsuffixed form (or vice versa).
var channelKeys = []string{"Channel", "Channel1", "Channel2", "DestChannel", "Source", "Destination"}

// Caller-id and unique-id fields, taken verbatim. Manual dials stamp the
// constructed caller-id token as the session's correlation channel, so these
// can match directly.
var identifierKeys = []string{"CallerIDNum", "DestCallerIDNum", "ConnectedLineNum", "Uniqueid", "Linkedid"}

var (
	legSuffix    = regexp.MustCompile(`;[12]$`)
	localChannel = regexp.MustCompile(`(?i)^Local/(\d+)@`)
)

// Candidates builds the ordered, de-duplicated list of identifier strings an
// event could be correlated under. Pure function; the resolver feeds it to
// storage.
func Candidates(ev ami.Event) []string {
	seen := make(map[string]struct{})
	var candidates []string

	add := func(value string) {
		if value == "" {
			return
		}
		if _, dup := seen[value]; dup {
			return
		}
		seen[value] = struct{}{}
		candidates = append(candidates, value)
	}

	for _, key := range channelKeys {
		value := strings.TrimSpace(ev.Get(key))
		if value == "" {
			continue
		}
		add(value)
		add(legSuffix.ReplaceAllString(value, ""))
	}

	for _, key := range identifierKeys {
		add(strings.TrimSpace(ev.Get(key)))
	}

	return candidates
}

// SessionFinder is the slice of session storage the resolver needs
type SessionFinder interface {
	FindByChannel(ctx context.Context, candidates []string) (*session.Session, error)
	FindByConfExten(ctx context.Context, confExten string) (*session.Session, error)
}

// Resolver maps inbound telephony events to agent sessions
type Resolver struct {
	finder SessionFinder
	logger zerolog.Logger
}

// NewResolver creates a resolver over the given session storage
func NewResolver(finder SessionFinder, logger zerolog.Logger) *Resolver {
	return &Resolver{
		finder: finder,
		logger: logger.With().Str("component", "correlate").Logger(),
	}
}

// Resolve returns the session an event belongs to, or nil when no session
// matches. Two phases: an exact match of the stored correlation channel
// against every candidate at once, then a fallback for Local/<digits>@
// channels where the digits name the agent's conference extension. A nil
// result is not an error; unmatched events are simply dropped.
func (r *Resolver) Resolve(ctx context.Context, ev ami.Event) (*session.Session, error) {
	candidates := Candidates(ev)
	if len(candidates) == 0 {
		return nil, nil
	}

	sess, err := r.finder.FindByChannel(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	// Local channels are renamed and re-labelled across legs and dialplan
	// hops; the conference extension inside them is the stable part.
	for _, candidate := range candidates {
		matches := localChannel.FindStringSubmatch(candidate)
		if matches == nil {
			continue
		}

		r.logger.Debug().Str("candidate", candidate).Msg("falling back to conference extension match")
		return r.finder.FindByConfExten(ctx, matches[1])
	}

	return nil, nil
}
