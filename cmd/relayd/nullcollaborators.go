package main

import (
	"context"
	"encoding/json"

	"github.com/sessionrelay/core/internal/subscribe"
)

// nullSessionSupervisor is the standalone-mode default for spec §6's
// "session supervisor" collaborator: relayd alone has no subprocess to
// watch, so every session subscription is rejected. A deployment that
// embeds relayd alongside a real process manager supplies its own
// subscribe.SessionSupervisor instead.
type nullSessionSupervisor struct{}

func (nullSessionSupervisor) Subscribe(context.Context, string, func(string, json.RawMessage)) (subscribe.Producer, error) {
	return nil, subscribe.ErrNoActiveProcess
}

// nullSessionWatch is the standalone-mode default for spec §6's "focused
// session watch" collaborator.
type nullSessionWatch struct{}

func (nullSessionWatch) Subscribe(context.Context, string, string, string, func(string, json.RawMessage)) (subscribe.Producer, error) {
	return nil, subscribe.ErrNoActiveProcess
}

var (
	_ subscribe.SessionSupervisor = nullSessionSupervisor{}
	_ subscribe.SessionWatch      = nullSessionWatch{}
)
