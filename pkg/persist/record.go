package persist

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/subcog-dev/subcog/pkg/memory"
)

// record is the self-describing serialized form of a memory. Field names are
// the interchange contract: other implementations must round-trip them, and
// unknown fields are ignored on read (encoding/json's default).
type record struct {
	ID        string   `json:"id"`
	Namespace string   `json:"namespace"`
	Domain    string   `json:"domain"`
	RepoID    string   `json:"repo_id,omitempty"`
	OrgID     string   `json:"org_id,omitempty"`
	Summary   string   `json:"summary"`
	Content   string   `json:"content"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
	Tags      []string `json:"tags,omitempty"`
	Status    string   `json:"status"`
	Tier      string   `json:"tier,omitempty"`
	Source    string   `json:"source,omitempty"`
	Spec      string   `json:"spec,omitempty"`
	RelatesTo []string `json:"relates_to,omitempty"`
}

// EncodeMemory serializes m to its interchange JSON form. Timestamps are
// RFC 3339 UTC.
func EncodeMemory(m *memory.Memory) ([]byte, error) {
	r := record{
		ID:        m.ID,
		Namespace: string(m.Namespace),
		Domain:    m.Domain.Selector(),
		RepoID:    m.Domain.RepoID,
		OrgID:     m.Domain.OrgID,
		Summary:   m.Summary,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: m.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Tags:      m.Tags,
		Status:    string(m.Status),
		Tier:      string(m.Tier),
		Source:    m.Source,
		Spec:      m.Spec,
		RelatesTo: m.RelatesTo,
	}
	return json.MarshalIndent(r, "", "  ")
}

// DecodeMemory parses the interchange JSON form back into a Memory.
func DecodeMemory(data []byte) (*memory.Memory, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode memory record: %w", err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("memory record missing id")
	}

	var d memory.Domain
	switch r.Domain {
	case "user":
		d = memory.UserDomain()
	case "org":
		d = memory.OrgDomain(r.OrgID)
	default:
		d = memory.ProjectDomain(r.RepoID)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("memory record %s: bad created_at: %w", r.ID, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("memory record %s: bad updated_at: %w", r.ID, err)
	}

	status := memory.Status(r.Status)
	if status == "" {
		status = memory.StatusActive
	}

	return &memory.Memory{
		ID:        r.ID,
		Namespace: memory.Namespace(r.Namespace),
		Domain:    d,
		Summary:   r.Summary,
		Content:   r.Content,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Tags:      r.Tags,
		Status:    status,
		Tier:      memory.Tier(r.Tier),
		Source:    r.Source,
		Spec:      r.Spec,
		RelatesTo: r.RelatesTo,
	}, nil
}
