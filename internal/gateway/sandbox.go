package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// declineSuffix makes the sandbox refuse holds whose minor-unit amount ends in 13.
const declineSuffix = 13

// Sandbox is an in-process gateway for local runs. It approves every request except
// holds whose amount ends in .13, and replays idempotent requests.
type Sandbox struct {
	mu          sync.Mutex
	customers   map[string]string
	methods     map[string]string
	intents     map[string]*Intent
	idempotency map[string]string
}

// NewSandbox returns an empty sandbox gateway.
func NewSandbox() *Sandbox {
	return &Sandbox{
		customers:   make(map[string]string),
		methods:     make(map[string]string),
		intents:     make(map[string]*Intent),
		idempotency: make(map[string]string),
	}
}

func (s *Sandbox) CreateCustomer(ctx context.Context, phone string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if phone == "" {
		return "", fmt.Errorf("%w: phone is required", ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := "cus_sbx_" + uuid.NewString()
	s.customers[id] = phone
	return id, nil
}

func (s *Sandbox) AttachPaymentMethod(ctx context.Context, methodRef, customerRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[customerRef]; !ok {
		return fmt.Errorf("%w: unknown customer %q", ErrInvalidRequest, customerRef)
	}
	if methodRef == "" {
		return fmt.Errorf("%w: payment method is required", ErrInvalidRequest)
	}
	s.methods[methodRef] = customerRef
	return nil
}

func (s *Sandbox) DetachPaymentMethod(ctx context.Context, methodRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.methods[methodRef]; !ok {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, methodRef)
	}
	delete(s.methods, methodRef)
	return nil
}

func (s *Sandbox) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	if err := req.Validate(); err != nil {
		return Intent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.idempotency[req.IdempotencyKey]; ok {
		return *s.intents[id], nil
	}
	if req.AmountMinor%100 == declineSuffix {
		return Intent{}, fmt.Errorf("%w: sandbox declines amounts ending in .%d", ErrDeclined, declineSuffix)
	}

	intent := &Intent{
		ID:          "pi_sbx_" + uuid.NewString(),
		Status:      IntentStatusRequiresCapture,
		AmountMinor: req.AmountMinor,
	}
	s.intents[intent.ID] = intent
	s.idempotency[req.IdempotencyKey] = intent.ID
	return *intent, nil
}

func (s *Sandbox) CaptureIntent(ctx context.Context, intentID, _ string) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("%w: unknown intent %q", ErrInvalidRequest, intentID)
	}
	switch intent.Status {
	case IntentStatusRequiresCapture:
		intent.Status = IntentStatusSucceeded
	case IntentStatusSucceeded:
	default:
		return *intent, fmt.Errorf("%w: intent %s is %s", ErrDeclined, intentID, intent.Status)
	}
	return *intent, nil
}

func (s *Sandbox) CancelIntent(ctx context.Context, intentID string) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[intentID]
	if !ok {
		return Intent{}, fmt.Errorf("%w: unknown intent %q", ErrInvalidRequest, intentID)
	}
	if intent.Status == IntentStatusSucceeded {
		return *intent, fmt.Errorf("%w: intent %s already captured", ErrInvalidRequest, intentID)
	}
	intent.Status = IntentStatusCanceled
	return *intent, nil
}
