package fhir

import "context"

// Interaction identifies one protocol interaction for hook dispatch.
type Interaction string

const (
	InteractionCreate      Interaction = "create"
	InteractionRead        Interaction = "read"
	InteractionVRead       Interaction = "vread"
	InteractionUpdate      Interaction = "update"
	InteractionDelete      Interaction = "delete"
	InteractionSearch      Interaction = "search"
	InteractionHistory     Interaction = "history"
	InteractionTransaction Interaction = "transaction"
	InteractionMatch       Interaction = "match"

	// Wildcard matches every interaction or resource type in a hook
	// registration.
	Wildcard = "*"
)

// Hook is a pre/post interaction hook. Before runs prior to the storage
// write and may veto the interaction with an outcome or hand back an
// altered resource. After runs prior to responding and may alter the
// response data. A nil returned document means "unchanged".
type Hook interface {
	Before(ctx context.Context, in Interaction, resourceType string, resource Document) (Document, *OperationOutcome, error)
	After(ctx context.Context, in Interaction, resourceType string, data Document) (Document, *OperationOutcome, error)
}

// HookFuncs adapts plain functions to the Hook interface; nil fields
// are no-ops.
type HookFuncs struct {
	BeforeFunc func(ctx context.Context, in Interaction, resourceType string, resource Document) (Document, *OperationOutcome, error)
	AfterFunc  func(ctx context.Context, in Interaction, resourceType string, data Document) (Document, *OperationOutcome, error)
}

func (h HookFuncs) Before(ctx context.Context, in Interaction, resourceType string, resource Document) (Document, *OperationOutcome, error) {
	if h.BeforeFunc == nil {
		return nil, nil, nil
	}
	return h.BeforeFunc(ctx, in, resourceType, resource)
}

func (h HookFuncs) After(ctx context.Context, in Interaction, resourceType string, data Document) (Document, *OperationOutcome, error) {
	if h.AfterFunc == nil {
		return nil, nil, nil
	}
	return h.AfterFunc(ctx, in, resourceType, data)
}

type hookRegistration struct {
	interactions  []Interaction
	resourceTypes []string
	handler       Hook
}

func (r hookRegistration) matches(in Interaction, resourceType string) bool {
	return containsInteraction(r.interactions, in) && containsType(r.resourceTypes, resourceType)
}

func containsInteraction(list []Interaction, in Interaction) bool {
	for _, i := range list {
		if i == Wildcard || i == in {
			return true
		}
	}
	return false
}

func containsType(list []string, rt string) bool {
	for _, t := range list {
		if t == Wildcard || t == rt {
			return true
		}
	}
	return false
}

// Hooks is an explicit registry of interaction handlers. Dispatch is a
// typed lookup over (interaction, resourceType) with exact and wildcard
// matching; handlers run in registration order.
type Hooks struct {
	registrations []hookRegistration
}

func NewHooks() *Hooks {
	return &Hooks{}
}

// Register adds a handler for the given interactions and resource types.
// Either list may contain the wildcard "*".
func (h *Hooks) Register(interactions []Interaction, resourceTypes []string, handler Hook) {
	h.registrations = append(h.registrations, hookRegistration{
		interactions:  interactions,
		resourceTypes: resourceTypes,
		handler:       handler,
	})
}

// RunBefore dispatches Before across matching handlers in order,
// short-circuiting on the first outcome or error. The possibly altered
// resource is threaded through the chain.
func (h *Hooks) RunBefore(ctx context.Context, in Interaction, resourceType string, resource Document) (Document, *OperationOutcome, error) {
	current := resource
	for _, reg := range h.registrations {
		if !reg.matches(in, resourceType) {
			continue
		}
		altered, outcome, err := reg.handler.Before(ctx, in, resourceType, current)
		if err != nil {
			return nil, nil, err
		}
		if outcome != nil {
			return nil, outcome, nil
		}
		if altered != nil {
			current = altered
		}
	}
	return current, nil, nil
}

// RunAfter dispatches After across matching handlers in order,
// short-circuiting on the first outcome or error.
func (h *Hooks) RunAfter(ctx context.Context, in Interaction, resourceType string, data Document) (Document, *OperationOutcome, error) {
	current := data
	for _, reg := range h.registrations {
		if !reg.matches(in, resourceType) {
			continue
		}
		altered, outcome, err := reg.handler.After(ctx, in, resourceType, current)
		if err != nil {
			return nil, nil, err
		}
		if outcome != nil {
			return nil, outcome, nil
		}
		if altered != nil {
			current = altered
		}
	}
	return current, nil, nil
}
