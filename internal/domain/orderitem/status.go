package orderitem

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusToOrder      Status = "TO_ORDER"
	StatusToReceive    Status = "TO_RECEIVE"
	StatusComplete     Status = "COMPLETE"
	StatusCancelByShop Status = "CANCEL_BYSHOP"
	StatusCancelByUser Status = "CANCEL_BYUSER"
)

// AllStatuses lists every status in graph order.
var AllStatuses = []Status{
	StatusToOrder,
	StatusToReceive,
	StatusComplete,
	StatusCancelByShop,
	StatusCancelByUser,
}

// ParseStatus converts a wire value into a Status
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// ParseStatusSet parses a comma-separated status list. An empty input yields nil (no filter).
func ParseStatusSet(s string) ([]Status, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	seen := make(map[Status]bool)
	var out []Status
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		st, err := ParseStatus(part)
		if err != nil {
			return nil, err
		}
		if !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	return out, nil
}

func (s Status) IsCancel() bool {
	return s == StatusCancelByShop || s == StatusCancelByUser
}

func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// Role identifies which side of an order item an actor is on.
type Role string

const (
	RoleBuyer Role = "buyer"
	RoleShop  Role = "shop"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleBuyer:
		return RoleBuyer, nil
	case RoleShop:
		return RoleShop, nil
	}
	return "", fmt.Errorf("unknown actor role %q", s)
}

// Counterpart returns the role on the other side of an order item.
func (r Role) Counterpart() Role {
	if r == RoleShop {
		return RoleBuyer
	}
	return RoleShop
}

// Actor is an authenticated identity: a buyer (user id) or a shop (shop id).
type Actor struct {
	Role Role  `json:"role"`
	ID   int64 `json:"id"`
}

func (a Actor) String() string {
	return fmt.Sprintf("%s:%d", a.Role, a.ID)
}

// validTransitions defines the allowed edges of the status graph
var validTransitions = map[Status][]Status{
	StatusToOrder:      {StatusToReceive, StatusCancelByShop, StatusCancelByUser},
	StatusToReceive:    {StatusComplete, StatusCancelByUser},
	StatusComplete:     {}, // terminal state
	StatusCancelByShop: {}, // terminal state
	StatusCancelByUser: {}, // terminal state
}

// edgeDrivers maps a target status to the only role allowed to drive an edge into it.
var edgeDrivers = map[Status]Role{
	StatusToReceive:    RoleShop,
	StatusCancelByShop: RoleShop,
	StatusComplete:     RoleBuyer,
	StatusCancelByUser: RoleBuyer,
}

// CanTransition reports whether the edge from -> to exists in the graph
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DriverOf returns the role allowed to move an item into the target status.
func DriverOf(to Status) (Role, bool) {
	r, ok := edgeDrivers[to]
	return r, ok
}
