package troupe

// stepMessages converts one step into chat messages: agent text becomes an
// assistant message, injected user text a user message, and tool calls are
// interleaved as an assistant message bearing the calls followed by one
// tool message per result, matched by tool_call_id.
func stepMessages(s Step) []ChatMessage {
	var out []ChatMessage
	var pending []ToolCall
	flush := func() {
		if len(pending) > 0 {
			out = append(out, AssistantToolCalls(pending))
			pending = nil
		}
	}
	for _, p := range s.Parts {
		switch p.Kind {
		case PartToolCall:
			if p.Tool != nil {
				pending = append(pending, ToolCall{ID: p.Tool.CallID, Name: p.Tool.Name, Args: p.Tool.Args})
			}
		case PartToolResult:
			flush()
			if p.Tool != nil {
				out = append(out, ToolResultMessage(p.Tool.CallID, p.Tool.Result))
			}
		case PartText:
			flush()
			if p.Origin == OriginUser {
				out = append(out, UserMessage(p.Text))
			} else {
				out = append(out, AssistantMessage(p.Text))
			}
		}
	}
	flush()
	return out
}

// buildMessages assembles the full message list for a turn: system prompt,
// the task description as the opening user message, prior steps in
// chronological order, then injected user inputs not yet part of a step.
func buildMessages(systemPrompt string, task *Task, injected []string) []ChatMessage {
	msgs := make([]ChatMessage, 0, 2+len(task.History)*2+len(injected))
	if systemPrompt != "" {
		msgs = append(msgs, SystemMessage(systemPrompt))
	}
	msgs = append(msgs, UserMessage(task.Description))
	for _, s := range task.History {
		msgs = append(msgs, stepMessages(s)...)
	}
	for _, in := range injected {
		msgs = append(msgs, UserMessage(in))
	}
	return msgs
}

// fitHistory builds the turn messages, dropping the oldest steps until the
// estimated token count fits the budget. The system prompt, the task
// description, and the last two steps always survive, even over budget.
// Returns the messages and how many steps were dropped.
func fitHistory(systemPrompt string, task *Task, injected []string, budget int) ([]ChatMessage, int) {
	msgs := buildMessages(systemPrompt, task, injected)
	if budget <= 0 || messagesTokens(msgs) <= budget {
		return msgs, 0
	}
	dropped := 0
	trimmed := *task
	for len(trimmed.History) > 2 {
		trimmed.History = trimmed.History[1:]
		dropped++
		msgs = buildMessages(systemPrompt, &trimmed, injected)
		if messagesTokens(msgs) <= budget {
			break
		}
	}
	return msgs, dropped
}
