package gateway

import (
	"time"

	"github.com/parleyhq/parley/internal/task"
)

// CallFor assembles a Call for one participant in one phase, resolving the
// task's provider- and participant-level overrides. Workflow code builds
// every invocation through here so override precedence has one home.
func CallFor(t *task.Task, p task.Participant, phase, prompt, workdir string, timeout time.Duration) Call {
	c := Call{
		Participant: p,
		Phase:       phase,
		Prompt:      prompt,
		Workdir:     workdir,
		Timeout:     timeout,
	}
	if o, ok := t.Options.ProviderOverrides[p.Provider]; ok {
		c.ProviderOverride = &o
	}
	if o, ok := t.Options.ParticipantOverrides[p.ID()]; ok {
		c.ParticipantOverride = &o
	}
	return c
}
