// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chat/cancel"
	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/debate"
	"github.com/AleutianAI/AleutianChat/services/chat/live"
)

// MaxListedRooms caps the "/live list" output.
const MaxListedRooms = 12

// LiveHelp is the "/live help" text.
var LiveHelp = strings.Join([]string{
	"[Live] Commands",
	"- /live <message> : send a message to the current room",
	"- /live on | off : pin or unpin live mode",
	"- /live pin | unpin : same as on | off",
	"- /live status : show pin state and room",
	"- /live list : list active rooms",
	"- /live room : show the current room",
	"- /live room <room> : move to a room (e.g. /live room lobby)",
	"- /live join <room> : same as room <room>",
	"- /live lobby : move to the lobby (room:lobby)",
}, "\n")

// liveCommand reports whether text is a /live command and returns its
// payload.
func liveCommand(text string) (string, bool) {
	lower := strings.ToLower(text)
	if lower != "/live" && !strings.HasPrefix(lower, "/live ") {
		return "", false
	}
	return strings.TrimSpace(text[len("/live"):]), true
}

// FormatRoomName renders a room key for display: "room:blog:2024:x"
// becomes "blog/2024/x".
func FormatRoomName(room string) string {
	name := strings.TrimPrefix(live.NormalizeRoomKey(room), "room:")
	return strings.ReplaceAll(name, ":", "/")
}

func (e *Engine) runLiveCommand(ctx context.Context, payload string) error {
	sid := e.Session()
	info := func(text string) { e.system(sid, datatypes.LevelInfo, text) }
	if e.live == nil {
		e.system(sid, datatypes.LevelWarn, "[Live] Live chat is not available.")
		return nil
	}

	command := strings.ToLower(payload)
	switch {
	case command == "" || command == "help" || command == "?":
		info(LiveHelp)

	case command == "status":
		state := "OFF"
		if e.store.LivePinned() {
			state = "ON"
		}
		info(fmt.Sprintf("[Live] Pinned: %s · room: %s · %s", state, FormatRoomName(e.live.Room()), e.live.State()))

	case command == "on" || command == "pin" || command == "fixed":
		e.store.SetLivePinned(true)
		info(fmt.Sprintf("[Live] Pinned mode on. Plain input now goes to %s without /live.", FormatRoomName(e.live.Room())))

	case command == "off" || command == "unpin":
		e.store.SetLivePinned(false)
		info("[Live] Pinned mode off. Back to AI chat.")

	case command == "list" || command == "rooms":
		e.listRooms(ctx, sid)

	case command == "room":
		info("[Live] Current room: " + FormatRoomName(e.live.Room()))

	case command == "lobby":
		e.moveRoom(sid, live.LobbyRoom)

	case strings.HasPrefix(command, "room ") || strings.HasPrefix(command, "join "):
		next := strings.TrimSpace(strings.Join(strings.Fields(payload)[1:], " "))
		if next == "" {
			e.system(sid, datatypes.LevelWarn, "[Live] A room name is required, e.g. /live room lobby")
			return nil
		}
		e.moveRoom(sid, next)

	default:
		_, err := e.sendLive(ctx, payload)
		return err
	}
	return nil
}

func (e *Engine) moveRoom(sid, room string) {
	e.system(sid, datatypes.LevelInfo, fmt.Sprintf("[Live] Moving to %s. Reconnecting...", FormatRoomName(room)))
	if err := e.live.SwitchRoom(e.liveCtx, room); err != nil {
		e.logger.Warn("live room switch failed", slog.String("room", room), slog.String("error", err.Error()))
		e.system(sid, datatypes.LevelError, "[Live] Could not connect to "+FormatRoomName(room)+".")
	}
}

func (e *Engine) listRooms(ctx context.Context, sid string) {
	if e.rooms == nil {
		e.system(sid, datatypes.LevelError, "[Live] Could not load the room list.")
		return
	}
	rooms, err := e.rooms.ListRooms(ctx)
	if err == nil {
		if len(rooms) == 0 {
			e.system(sid, datatypes.LevelInfo, "[Live] No active rooms right now.")
			return
		}
		lines := []string{fmt.Sprintf("[Live] Active rooms (%d)", len(rooms))}
		for i, r := range rooms[:min(len(rooms), MaxListedRooms)] {
			lines = append(lines, fmt.Sprintf("%d. %s · %d online", i+1, FormatRoomName(r.Room), r.OnlineCount))
		}
		lines = append(lines, "", "Use /live room <name> to move.")
		e.system(sid, datatypes.LevelInfo, strings.Join(lines, "\n"))
		return
	}

	e.logger.Warn("live room list failed", slog.String("error", err.Error()))
	stats, serr := e.rooms.RoomStats(ctx)
	if serr != nil {
		text := err.Error()
		if text == "" {
			text = "[Live] Could not load the room list."
		}
		e.system(sid, datatypes.LevelError, text)
		return
	}
	current := e.live.Room()
	online := e.live.OnlineCount()
	for _, r := range stats.Rooms {
		if r.Room == current {
			online = r.OnlineCount
		}
	}
	e.system(sid, datatypes.LevelWarn, strings.Join([]string{
		"[Live] The room list is unavailable; showing the current room only.",
		fmt.Sprintf("- %s · %d online", FormatRoomName(current), online),
	}, "\n"))
}

// sendLive echoes text locally as a user line and posts it to the room.
func (e *Engine) sendLive(ctx context.Context, text string) (Reply, error) {
	sid := e.Session()
	user := datatypes.NewUserMessage("[Live] "+text, e.clock.Now())
	e.appendTo(sid, user)
	reply := Reply{UserMessageID: user.ID, Live: true}
	if err := e.live.SendVisitorMessage(ctx, text); err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "Live message delivery failed"
		}
		e.system(sid, datatypes.LevelError, msg)
		return reply, err
	}
	return reply, nil
}

// =============================================================================
// Debate
// =============================================================================

// StartDebate runs a debate on topic in the current session in the
// background. Any streaming chat turn is cancelled first. The debate
// ends early when ctx does.
//
// # Outputs
//
//   - error: debate.ErrBusy, debate.ErrEmptyTopic or ErrClosed.
func (e *Engine) StartDebate(ctx context.Context, topic string, rounds int) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.slot.Cancel(cancel.ReasonSuperseded)
	e.mu.Lock()
	req := debate.Request{SessionID: e.sessionID, Topic: topic, Rounds: rounds, Mode: e.mode, Model: e.model}
	e.mu.Unlock()
	if req.Rounds <= 0 {
		req.Rounds = e.cfg.DebateRounds
	}
	return e.debate.Start(ctx, req)
}

// CancelDebate lets the in-flight persona call finish, then stops the
// debate. Reports whether one was running.
func (e *Engine) CancelDebate() bool { return e.debate.Cancel() }

// WaitDebate blocks until the running debate, if any, has finished.
func (e *Engine) WaitDebate() { e.debate.Wait() }
