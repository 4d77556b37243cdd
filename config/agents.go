package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ByteMirror/warden/agent"
	"github.com/ByteMirror/warden/log"
	"github.com/ByteMirror/warden/resource"
)

// Roster is the decoded agents.yaml.
type Roster struct {
	Groups []agent.Group      `yaml:"groups"`
	Agents []agent.Descriptor `yaml:"agents"`
}

// LoadRoster reads the agent roster at path. A missing file is created from DefaultRoster.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			roster := DefaultRoster()
			if saveErr := SaveRoster(path, roster); saveErr != nil {
				log.WarningLog.Printf("failed to save default agent roster: %v", saveErr)
			}
			return roster, nil
		}
		return nil, &ConfigError{Path: path, Err: err}
	}

	roster, err := ParseRoster(data)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return roster, nil
}

// ParseRoster decodes and validates roster YAML. Unknown fields are rejected.
func ParseRoster(data []byte) (*Roster, error) {
	var roster Roster
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&roster); err != nil {
		return nil, fmt.Errorf("failed to parse agent roster: %w", err)
	}
	if err := roster.Validate(); err != nil {
		return nil, err
	}
	return &roster, nil
}

// SaveRoster writes roster as YAML.
func SaveRoster(path string, roster *Roster) error {
	data, err := yaml.Marshal(roster)
	if err != nil {
		return fmt.Errorf("failed to marshal agent roster: %w", err)
	}
	return AtomicWriteFile(path, data, 0644)
}

// Validate checks ids, groups, schedules and the coordinator. A coordinator is always active.
func (r *Roster) Validate() error {
	groups := make(map[string]bool, len(r.Groups))
	for _, g := range r.Groups {
		if g.Name == "" {
			return fmt.Errorf("group without name")
		}
		if groups[g.Name] {
			return fmt.Errorf("duplicate group %s", g.Name)
		}
		groups[g.Name] = true
	}

	seen := make(map[string]bool, len(r.Agents))
	coordinator := ""
	for i := range r.Agents {
		d := &r.Agents[i]
		if d.ID == "" {
			return fmt.Errorf("agent %d has no id", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate agent %s", d.ID)
		}
		seen[d.ID] = true

		if d.Tier < 1 || d.Tier > 4 {
			return fmt.Errorf("agent %s: tier must be 1..4, got %d", d.ID, d.Tier)
		}
		if !d.Resources.Valid() {
			return fmt.Errorf("agent %s: resources must be finite and not negative", d.ID)
		}
		if d.Group != "" && !groups[d.Group] {
			return fmt.Errorf("agent %s: unknown group %s", d.ID, d.Group)
		}
		if d.AlwaysActive && d.ManualOnly {
			return fmt.Errorf("agent %s: always_active and manual_only are exclusive", d.ID)
		}
		if d.Coordinator {
			if coordinator != "" {
				return fmt.Errorf("agents %s and %s are both coordinators", coordinator, d.ID)
			}
			coordinator = d.ID
			d.AlwaysActive = true
			d.ManualOnly = false
		}
		if d.MaxSession < 0 {
			return fmt.Errorf("agent %s: negative max_session", d.ID)
		}
		if err := d.Compile(); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRoster returns the stock deployment: a coordinator, scheduled content and business
// agents, a sequential heavy-media group and manually activated development agents.
func DefaultRoster() *Roster {
	heavySession := 4 * time.Hour
	return &Roster{
		Groups: []agent.Group{
			{Name: "content", MaxActive: 1},
			{Name: "heavy", MaxActive: 1},
			{Name: "business", MaxActive: 1},
			{Name: "dev", MaxActive: 1},
		},
		Agents: []agent.Descriptor{
			{ID: "00_CEO_LAG", Tier: 1, Coordinator: true, AlwaysActive: true,
				Resources: resource.Vector{RAM: 6, CPU: 2}},
			{ID: "01_SEO_LAG", Tier: 2, Group: "content", Schedule: "08:00-12:00",
				Resources: resource.Vector{RAM: 8, CPU: 2}},
			{ID: "15_GHOST_LAG", Tier: 2, Group: "content", Schedule: "14:00-16:00",
				Resources: resource.Vector{RAM: 10, CPU: 2}},
			{ID: "04_CLIP_LAG", Tier: 2, Group: "heavy", MaxSession: heavySession,
				Resources: resource.Vector{RAM: 8, CPU: 4, GPU: 4}},
			{ID: "05_MEDIA_LAG", Tier: 1, Group: "heavy", MaxSession: heavySession,
				Resources:     resource.Vector{RAM: 14, CPU: 4, GPU: 6},
				CriticalTasks: []string{"full_library_organization", "massive_backup", "video_conversion"}},
			{ID: "02_CM_LAG", Tier: 3, Group: "business", Schedule: "12:00-14:00,18:00-20:00",
				Resources: resource.Vector{RAM: 6, CPU: 1}},
			{ID: "07_CASH_LAG", Tier: 3, Group: "business", Schedule: "06:00-08:00",
				Resources: resource.Vector{RAM: 6, CPU: 1}},
			{ID: "14_DONNA_LAG", Tier: 3, Group: "business", Schedule: "16:00-18:00",
				Resources: resource.Vector{RAM: 6, CPU: 1}},
			{ID: "09_IT_LAG", Tier: 4, Group: "dev", ManualOnly: true,
				Resources: resource.Vector{RAM: 10, CPU: 2}},
			{ID: "11_WPM_LAG", Tier: 4, Group: "dev", ManualOnly: true,
				Resources: resource.Vector{RAM: 10, CPU: 2}},
			{ID: "12_DEV_LAG", Tier: 4, Group: "dev", ManualOnly: true,
				Resources: resource.Vector{RAM: 10, CPU: 2}},
		},
	}
}
