package notification

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"opsdash/internal/domain"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRole is returned for roles with no routing entry.
var ErrUnknownRole = errors.New("unknown role")

// Routing decides which notification types each role sees, and which
// sound each type plays.
type Routing struct {
	Roles  map[domain.Role][]domain.NotificationType
	Sounds map[domain.NotificationType]string
}

// DefaultRouting is the built-in role table.
func DefaultRouting() Routing {
	frontline := []domain.NotificationType{
		domain.NotifyAgentAssigned,
		domain.NotifyNewConversation,
		domain.NotifyHumanAssistance,
	}
	return Routing{
		Roles: map[domain.Role][]domain.NotificationType{
			domain.RoleEmployee: frontline,
			domain.RoleAgent:    frontline,
			domain.RoleLogistics: {
				domain.NotifyNewConversation,
				domain.NotifyOrderStatus,
				domain.NotifyHumanAssistance,
			},
			domain.RoleAdmin: domain.AllNotificationTypes,
		},
		Sounds: map[domain.NotificationType]string{},
	}
}

// TypesFor returns a copy of the types visible to role.
func (r Routing) TypesFor(role domain.Role) ([]domain.NotificationType, error) {
	types, ok := r.Roles[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return append([]domain.NotificationType(nil), types...), nil
}

// Sound returns the configured sound for t, or "<type>.wav".
func (r Routing) Sound(t domain.NotificationType) string {
	if s, ok := r.Sounds[t]; ok && s != "" {
		return s
	}
	return string(t) + ".wav"
}

// RoleNames lists the routed roles, sorted.
func (r Routing) RoleNames() []string {
	names := make([]string, 0, len(r.Roles))
	for role := range r.Roles {
		names = append(names, string(role))
	}
	sort.Strings(names)
	return names
}

type routingFile struct {
	Roles  map[string][]string `yaml:"roles"`
	Sounds map[string]string   `yaml:"sounds"`
}

// LoadRouting overlays a YAML routing file on DefaultRouting:
//
//	roles:
//	  logistics: [order_status, system]
//	sounds:
//	  human_assistance_required: /usr/share/sounds/alarm.wav
//
// Only the four built-in roles and known notification types are accepted.
func LoadRouting(path string) (Routing, error) {
	routing := DefaultRouting()
	if path == "" {
		return routing, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return routing, fmt.Errorf("read routing file: %w", err)
	}
	var file routingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return routing, fmt.Errorf("parse routing file: %w", err)
	}

	for name, typeNames := range file.Roles {
		role := domain.Role(name)
		if _, ok := routing.Roles[role]; !ok {
			return DefaultRouting(), fmt.Errorf("routing file: %w: %q", ErrUnknownRole, name)
		}
		types := make([]domain.NotificationType, 0, len(typeNames))
		for _, tn := range typeNames {
			t := domain.NotificationType(tn)
			if !knownType(t) {
				return DefaultRouting(), fmt.Errorf("routing file: role %s: unknown notification type %q", name, tn)
			}
			types = append(types, t)
		}
		routing.Roles[role] = types
	}
	for tn, sound := range file.Sounds {
		t := domain.NotificationType(tn)
		if !knownType(t) {
			return DefaultRouting(), fmt.Errorf("routing file: sound for unknown notification type %q", tn)
		}
		routing.Sounds[t] = sound
	}
	return routing, nil
}

func knownType(t domain.NotificationType) bool {
	for _, known := range domain.AllNotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}
