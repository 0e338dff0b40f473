package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cellscribe/cellscribe/internal/chat"
)

const (
	markdownExtension = ".md"
	messageMarker     = "<!-- cellscribe:"
)

// MarkdownStore serializes each conversation to a human-readable markdown
// document: a YAML front matter block followed by role-tagged message
// sections. Search scans file contents, which is acceptable for a
// human-scale number of saved conversations.
//
// The format normalizes message content: trailing newlines are stripped
// on save so section boundaries stay unambiguous. Loaded content is
// otherwise byte-identical.
type MarkdownStore struct {
	baseDir string
}

// frontMatter is the persisted conversation header. Message bodies live in
// the markdown sections below it.
type frontMatter struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name,omitempty"`
	Tags      []string          `yaml:"tags,omitempty"`
	CreatedAt time.Time         `yaml:"created_at"`
	UpdatedAt time.Time         `yaml:"updated_at"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
}

// messageHeader is the per-message machine-readable line, embedded as an
// HTML comment so rendered markdown stays clean.
type messageHeader struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	TokensIn  int           `json:"tokens_in,omitempty"`
	TokensOut int           `json:"tokens_out,omitempty"`
	CostUSD   float64       `json:"cost_usd,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	Model     string        `json:"model,omitempty"`
	Source    string        `json:"source,omitempty"`
}

func NewMarkdownStore(baseDir string) (*MarkdownStore, error) {
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}
	return &MarkdownStore{baseDir: baseDir}, nil
}

var _ Store = (*MarkdownStore)(nil)

func (s *MarkdownStore) Save(conv *chat.Conversation) (string, error) {
	if conv.ID == "" {
		return "", &WriteError{Err: fmt.Errorf("conversation has no id")}
	}

	path, err := s.pathFor(conv)
	if err != nil {
		return "", &WriteError{ID: conv.ID, Err: err}
	}

	content, err := renderMarkdown(conv)
	if err != nil {
		return "", &WriteError{ID: conv.ID, Err: err}
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", &WriteError{ID: conv.ID, Err: err}
	}
	return conv.ID, nil
}

// pathFor returns the existing file for the conversation id, or derives a
// fresh filename from the name and a timestamp, appending a counter on
// collision.
func (s *MarkdownStore) pathFor(conv *chat.Conversation) (string, error) {
	if existing, err := s.findPathByID(conv.ID); err == nil {
		return existing, nil
	}

	base := Slug(conv.Name)
	if base == "" {
		base = "conversation"
	}
	stamp := conv.CreatedAt.Format("20060102-150405")
	candidate := fmt.Sprintf("%s-%s", base, stamp)
	path := filepath.Join(s.baseDir, candidate+markdownExtension)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil && !os.IsExist(err) && !os.IsNotExist(err) {
			return "", err
		}
		path = filepath.Join(s.baseDir, fmt.Sprintf("%s-%d%s", candidate, n, markdownExtension))
	}
}

func (s *MarkdownStore) findPathByID(id string) (string, error) {
	paths, err := s.documentPaths()
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		fm, err := readFrontMatter(p)
		if err != nil {
			continue
		}
		if fm.ID == id {
			return p, nil
		}
	}
	return "", ErrNotFound
}

func (s *MarkdownStore) Load(identifier string) (*chat.Conversation, error) {
	paths, err := s.documentPaths()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]string, len(paths))
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		fm, err := readFrontMatter(p)
		if err != nil {
			continue
		}
		byID[fm.ID] = p
		ids = append(ids, fm.ID)
		// A filename stem or conversation name also works as an exact
		// identifier.
		stem := strings.TrimSuffix(filepath.Base(p), markdownExtension)
		if identifier == stem || (fm.Name != "" && identifier == fm.Name) {
			return parseMarkdown(p)
		}
	}

	id, err := resolvePrefix(identifier, ids)
	if err != nil {
		return nil, err
	}
	return parseMarkdown(byID[id])
}

func (s *MarkdownStore) List() ([]Summary, error) {
	paths, err := s.documentPaths()
	if err != nil {
		return nil, err
	}
	var summaries []Summary
	for _, p := range paths {
		conv, err := parseMarkdown(p)
		if err != nil {
			continue
		}
		summaries = append(summaries, summarize(conv))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *MarkdownStore) Delete(id string) (bool, error) {
	path, err := s.findPathByID(id)
	if err != nil {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("failed to delete conversation file: %w", err)
	}
	return true, nil
}

func (s *MarkdownStore) Search(query string) ([]Summary, error) {
	paths, err := s.documentPaths()
	if err != nil {
		return nil, err
	}
	query = strings.ToLower(query)
	var summaries []Summary
	for _, p := range paths {
		data, err := os.ReadFile(p) // #nosec G304
		if err != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(string(data)), query) {
			continue
		}
		conv, err := parseMarkdown(p)
		if err != nil {
			continue
		}
		summaries = append(summaries, summarize(conv))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

func (s *MarkdownStore) Close() error { return nil }

func (s *MarkdownStore) documentPaths() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), markdownExtension) {
			continue
		}
		paths = append(paths, filepath.Join(s.baseDir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func renderMarkdown(conv *chat.Conversation) (string, error) {
	fm := frontMatter{
		ID:        conv.ID,
		Name:      conv.Name,
		Tags:      conv.Tags,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
		Metadata:  conv.Metadata,
	}
	fmBytes, err := yaml.Marshal(&fm)
	if err != nil {
		return "", fmt.Errorf("failed to serialize front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fmBytes)
	b.WriteString("---\n")

	for _, m := range conv.Messages {
		header := messageHeader{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			TokensIn:  m.Metadata.TokensIn,
			TokensOut: m.Metadata.TokensOut,
			CostUSD:   m.Metadata.CostUSD,
			Latency:   m.Metadata.Latency,
			Model:     m.Metadata.Model,
			Source:    m.Metadata.Source,
		}
		headerBytes, err := json.Marshal(&header)
		if err != nil {
			return "", fmt.Errorf("failed to serialize message header: %w", err)
		}
		b.WriteString(fmt.Sprintf("\n## %s\n%s %s -->\n\n", m.Role, messageMarker, headerBytes))
		b.WriteString(strings.TrimRight(m.Content, "\n"))
		b.WriteString("\n")
	}
	return b.String(), nil
}

func readFrontMatter(path string) (*frontMatter, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}
	fmSection, _, err := splitFrontMatter(path, string(data))
	if err != nil {
		return nil, err
	}
	var fm frontMatter
	if err := yaml.Unmarshal([]byte(fmSection), &fm); err != nil {
		return nil, &CorruptionError{Path: path, Err: err}
	}
	if fm.ID == "" {
		return nil, &CorruptionError{Path: path, Err: fmt.Errorf("front matter has no id")}
	}
	return &fm, nil
}

func splitFrontMatter(path, content string) (front, body string, err error) {
	if !strings.HasPrefix(content, "---\n") {
		return "", "", &CorruptionError{Path: path, Err: fmt.Errorf("missing front matter delimiter")}
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return "", "", &CorruptionError{Path: path, Err: fmt.Errorf("unterminated front matter")}
	}
	return rest[:end+1], rest[end+len("\n---\n"):], nil
}

func parseMarkdown(path string) (*chat.Conversation, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}

	fmSection, body, err := splitFrontMatter(path, string(data))
	if err != nil {
		return nil, err
	}
	var fm frontMatter
	if err := yaml.Unmarshal([]byte(fmSection), &fm); err != nil {
		return nil, &CorruptionError{Path: path, Err: err}
	}
	if fm.ID == "" {
		return nil, &CorruptionError{Path: path, Err: fmt.Errorf("front matter has no id")}
	}

	conv := &chat.Conversation{
		ID:        fm.ID,
		Name:      fm.Name,
		Tags:      fm.Tags,
		CreatedAt: fm.CreatedAt,
		UpdatedAt: fm.UpdatedAt,
		Metadata:  fm.Metadata,
	}

	lines := strings.Split(body, "\n")
	for i := 0; i < len(lines); i++ {
		if !isMessageStart(lines, i) {
			if strings.TrimSpace(lines[i]) != "" {
				return nil, &CorruptionError{Path: path, Err: fmt.Errorf("unexpected content outside message block at line %d", i+1)}
			}
			continue
		}

		role, err := chat.ParseRole(strings.TrimPrefix(lines[i], "## "))
		if err != nil {
			return nil, &CorruptionError{Path: path, Err: err}
		}
		headerLine := strings.TrimSuffix(strings.TrimPrefix(lines[i+1], messageMarker), " -->")
		var header messageHeader
		if err := json.Unmarshal([]byte(strings.TrimSpace(headerLine)), &header); err != nil {
			return nil, &CorruptionError{Path: path, Err: fmt.Errorf("bad message header: %w", err)}
		}

		start := i + 2
		end := start
		for end < len(lines) && !isMessageStart(lines, end) {
			end++
		}
		content := strings.TrimRight(strings.TrimPrefix(strings.Join(lines[start:end], "\n"), "\n"), "\n")

		conv.Messages = append(conv.Messages, &chat.Message{
			ID:        header.ID,
			Role:      role,
			Content:   content,
			CreatedAt: header.CreatedAt,
			Metadata: chat.Metadata{
				TokensIn:  header.TokensIn,
				TokensOut: header.TokensOut,
				CostUSD:   header.CostUSD,
				Latency:   header.Latency,
				Model:     header.Model,
				Source:    header.Source,
			},
		})
		i = end - 1
	}
	return conv, nil
}

// isMessageStart requires both the role heading and the machine-readable
// comment on the next line, so message content containing a bare heading
// does not split a block.
func isMessageStart(lines []string, i int) bool {
	if !strings.HasPrefix(lines[i], "## ") {
		return false
	}
	return i+1 < len(lines) && strings.HasPrefix(lines[i+1], messageMarker)
}

// Slug reduces a name to a filesystem-safe lowercase token.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '.':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
				b.WriteRune('-')
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
