package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kpekel/agentloop/agent"
	"github.com/kpekel/agentloop/loop"
)

var confirmPrompt = regexp.MustCompile(`^confirm tool call (\S+) \((\S+)\)\?$`)

// runChat starts an interactive stdin/stdout chat session against lg.
// Besides streaming each reply's text, it answers the loop's confirmation
// channel inline when the active permission mode requires it.
func runChat(ctx context.Context, lg *loop.Loop) error {
	reader := bufio.NewReader(os.Stdin)
	var history []agent.Message

	// One session spans the whole interactive run: /clear
	// resets the conversation history but keeps the same session id, so
	// repetition tracking stays scoped to this process rather than being
	// reset between replies. The turn cap still counts turns per reply.
	session := &agent.Session{ID: uuid.NewString(), Mode: agent.ExecutionForeground}

	fmt.Println("agentloopd chat. Type /quit to exit, /clear to reset history.")

	for {
		fmt.Print("you> ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return nil // EOF on stdin ends the session cleanly
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		switch input {
		case "/quit", "/exit":
			return nil
		case "/clear":
			history = nil
			fmt.Println("history cleared")
			continue
		}

		history = append(history, agent.NewUserMessage(input))

		reply, err := lg.Run(ctx, history, session)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}

		fmt.Print("agent> ")
		history = driveReply(reader, reply, history)
		fmt.Println()
	}
}

// driveReply drains one reply's event stream, printing assistant text and
// answering confirmation prompts as they arrive, and returns the
// conversation history extended with every message the loop emitted.
func driveReply(reader *bufio.Reader, reply *loop.Reply, history []agent.Message) []agent.Message {
	for ev := range reply.Stream.Events() {
		switch ev.Kind {
		case agent.EventMessage:
			if id, name, ok := asConfirmPrompt(ev.Message); ok {
				// The loop emits this as a stream-only prompt; it is not
				// part of the turn's real message history (see
				// runRemainingPhase in loop/loop.go), so it must not be
				// appended here either.
				answerConfirm(reader, reply, id, name)
				continue
			}
			history = append(history, ev.Message)
			printMessage(ev.Message)
		case agent.EventMcpNotification:
			fmt.Printf("\n[notification %s: %v]\n", ev.RequestID, ev.Notification["method"])
		case agent.EventModelChange:
			fmt.Printf("\n[model: %s (%s)]\n", ev.ActiveModel, ev.Mode)
		}
	}
	return history
}

func asConfirmPrompt(m agent.Message) (id, name string, ok bool) {
	if m.Role != agent.RoleUser || len(m.Content) != 1 {
		return "", "", false
	}
	t, isText := m.Content[0].(agent.TextContent)
	if !isText {
		return "", "", false
	}
	match := confirmPrompt.FindStringSubmatch(t.Text)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}

func answerConfirm(reader *bufio.Reader, reply *loop.Reply, id, name string) {
	fmt.Printf("\nrun tool %s? [y/N] ", name)
	line, _ := reader.ReadString('\n')
	approve := strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y")
	reply.Confirm <- loop.ConfirmationAnswer{RequestID: id, Approve: approve}
}

func printMessage(m agent.Message) {
	for _, c := range m.Content {
		if t, ok := c.(agent.TextContent); ok && t.Text != "" {
			fmt.Print(t.Text)
		}
	}
}
