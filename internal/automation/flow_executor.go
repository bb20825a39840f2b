package automation

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"whatsapp-crm/internal/flows"
	"whatsapp-crm/internal/metrics"
	"whatsapp-crm/internal/models"
	"whatsapp-crm/internal/repository"
)

// activeFlow loads the flow or answers with the apology when there is none.
func (e *Engine) activeFlow(ctx context.Context, contact *models.Contact) (*flows.Flow, bool) {
	flow, err := e.flows.Active(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("no usable flow")
		metrics.BotTransitions.WithLabelValues("no_flow").Inc()
		e.reply(ctx, contact, msgUnavailable, nil)
		return nil, false
	}
	return flow, true
}

func (e *Engine) startFlow(ctx context.Context, contact *models.Contact, conv *models.Conversation) error {
	flow, ok := e.activeFlow(ctx, contact)
	if !ok {
		return nil
	}
	entry := flow.EntryStep()

	conv, err := repository.UpdateConversation(ctx, e.db, conv.ID, entry.Key, map[string]any{ctxRetries: 0}, e.now())
	if err != nil {
		return err
	}
	metrics.BotTransitions.WithLabelValues("started").Inc()
	e.publish("conversation.updated", conv)
	e.reply(ctx, contact, entry.Question, entry.Buttons)
	return nil
}

func (e *Engine) processStep(ctx context.Context, contact *models.Contact, conv *models.Conversation, in input) error {
	lg := zerolog.Ctx(ctx)
	flow, ok := e.activeFlow(ctx, contact)
	if !ok {
		return nil
	}

	step, ok := flow.Step(conv.State)
	if !ok {
		lg.Error().Str("state", conv.State).Uint64("flow_version", flow.Version).Msg("conversation state has no step")
		metrics.BotTransitions.WithLabelValues("step_missing").Inc()
		e.reply(ctx, contact, msgStepNotFound, nil)
		return nil
	}

	btn, ok := matchInput(step, in)
	if !ok {
		return e.invalidInput(ctx, contact, conv)
	}
	responses := withResponse(conv.Context, step.Key, btn.Label)

	switch btn.NextState {
	case flows.StateFinished:
		conv, err := repository.UpdateConversation(ctx, e.db, conv.ID, flows.StateFinished, map[string]any{
			ctxRetries:   0,
			ctxResponses: responses,
			ctxQualified: btn.Qualifies,
		}, e.now())
		if err != nil {
			return err
		}
		e.publish("conversation.updated", conv)
		if btn.Qualifies {
			metrics.BotTransitions.WithLabelValues("qualified").Inc()
			e.reply(ctx, contact, msgQualified, nil)
		} else {
			metrics.BotTransitions.WithLabelValues("not_qualified").Inc()
			e.reply(ctx, contact, msgNotQualified, nil)
		}
		return nil

	case flows.StateHandoff:
		return e.handoff(ctx, contact, conv, reasonButton, map[string]any{ctxResponses: responses})
	}

	next, ok := flow.Step(btn.NextState)
	if !ok {
		lg.Error().Str("state", step.Key).Str("next_state", btn.NextState).Msg("button points to a missing step")
		metrics.BotTransitions.WithLabelValues("step_missing").Inc()
		e.reply(ctx, contact, msgNextStepNotFound, nil)
		return nil
	}

	conv, err := repository.UpdateConversation(ctx, e.db, conv.ID, next.Key, map[string]any{
		ctxRetries:   0,
		ctxResponses: responses,
	}, e.now())
	if err != nil {
		return err
	}
	metrics.BotTransitions.WithLabelValues("advanced").Inc()
	e.publish("conversation.updated", conv)
	e.reply(ctx, contact, next.Question, next.Buttons)
	return nil
}

func (e *Engine) invalidInput(ctx context.Context, contact *models.Contact, conv *models.Conversation) error {
	retries := contextInt(conv.Context, ctxRetries) + 1
	if retries >= e.cfg.MaxRetries {
		return e.handoff(ctx, contact, conv, reasonRetriesExhausted, map[string]any{ctxRetries: retries})
	}

	conv, err := repository.UpdateConversation(ctx, e.db, conv.ID, conv.State, map[string]any{ctxRetries: retries}, e.now())
	if err != nil {
		return err
	}
	metrics.BotTransitions.WithLabelValues("invalid_input").Inc()
	e.publish("conversation.updated", conv)
	e.reply(ctx, contact, msgNotUnderstood, nil)
	return nil
}

func (e *Engine) handoff(ctx context.Context, contact *models.Contact, conv *models.Conversation, reason string, extra map[string]any) error {
	patch := map[string]any{ctxHandoffReason: reason}
	for k, v := range extra {
		patch[k] = v
	}
	conv, err := repository.UpdateConversation(ctx, e.db, conv.ID, flows.StateHandoff, patch, e.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.reply(ctx, contact, msgUnavailable, nil)
		}
		return err
	}
	zerolog.Ctx(ctx).Info().Str("reason", reason).Msg("conversation handed off")
	metrics.BotTransitions.WithLabelValues("handoff_" + reason).Inc()
	e.publish("conversation.updated", conv)
	e.reply(ctx, contact, msgHandoffAck, nil)
	return nil
}

// matchInput prefers the tapped button id, then the text. A bare option
// number answers the numbered list sent when buttons could not be shown.
func matchInput(step *flows.Step, in input) (flows.Button, bool) {
	if in.replyID != "" {
		if b, ok := step.Match(in.replyID); ok {
			return b, true
		}
	}
	if b, ok := step.Match(in.text); ok {
		return b, true
	}
	if n, err := strconv.Atoi(in.text); err == nil && n >= 1 && n <= len(step.Buttons) {
		return step.Buttons[n-1], true
	}
	return flows.Button{}, false
}

// withResponse returns a copy of context.responses with state set to label.
func withResponse(ctx map[string]any, state, label string) map[string]any {
	out := map[string]any{}
	if prev, ok := ctx[ctxResponses].(map[string]any); ok {
		for k, v := range prev {
			out[k] = v
		}
	}
	out[state] = label
	return out
}
