package models

import (
	"fmt"
	"strings"
	"time"
)

// InteractionKind is the kind of user/product interaction.
type InteractionKind string

const (
	KindView     InteractionKind = "view"
	KindPurchase InteractionKind = "purchase"
	KindLike     InteractionKind = "like"
)

// ParseInteractionKind parses a kind name. Empty defaults to view.
func ParseInteractionKind(s string) (InteractionKind, error) {
	switch InteractionKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", KindView:
		return KindView, nil
	case KindPurchase:
		return KindPurchase, nil
	case KindLike:
		return KindLike, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q (supported: view, purchase, like)", ErrInvalidInteraction, s)
	}
}

// Interaction is an immutable interaction event.
type Interaction struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ProductID string          `json:"product_id"`
	Kind      InteractionKind `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks that both identifiers are present and the kind is known.
func (i *Interaction) Validate() error {
	if i.UserID == "" || i.ProductID == "" {
		return fmt.Errorf("%w: user_id and product_id are required", ErrInvalidInteraction)
	}
	if _, err := ParseInteractionKind(string(i.Kind)); err != nil {
		return err
	}
	return nil
}

// InteractionInput is the request shape for recording an interaction.
type InteractionInput struct {
	UserID    string `json:"user_id" validate:"required,max=256"`
	ProductID string `json:"product_id" validate:"required,max=256"`
	Kind      string `json:"kind,omitempty" validate:"omitempty,oneof=view purchase like"`
}

// HistoryEntry is one element of a user's interaction history.
type HistoryEntry struct {
	ProductID string    `json:"product_id"`
	Timestamp time.Time `json:"timestamp"`
}
