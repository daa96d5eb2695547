// Package template renders EmailTemplate rows against per-job
// template_data, caching compiled templates the way the teacher's
// email.TemplateCache caches parsed files — keyed here by (id, version)
// instead of by file hash, since templates live in the store rather
// than on disk.
package template

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mailforge/dispatchd/internal/types"
	"github.com/mailforge/dispatchd/logger"
	"github.com/mailforge/dispatchd/store"
)

var log = logger.New("template")

// compiled is the cached copy of one template version's subject and
// body; substitute scans it for {{name}} tokens on every Render.
type compiled struct {
	id              string
	version         int
	subjectTemplate string
	bodyTemplate    string
}

// Cache holds compiled templates read-mostly behind an RWMutex: lookups
// take the read lock, and inserts and invalidations mutate the map in
// place under the write lock. It is not copy-on-write.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]compiled // keyed by "id@version"
	store   *store.Store
}

func NewCache(st *store.Store) *Cache {
	return &Cache{
		entries: make(map[string]compiled),
		store:   st,
	}
}

// Rendered is the §4.2 return shape.
type Rendered struct {
	FinalSubject     string
	FinalBody        string
	PlaceholderCount int
}

var (
	ErrTemplateNotFound = fmt.Errorf("template not found")
	ErrTemplateInactive = fmt.Errorf("template is not active")
)

// Render reads the template row from the store (reusing the cached
// compiled entry for its current version), substitutes
// {{name}} placeholders from data, and returns the composed subject and
// body. Unresolved placeholders are left as the literal token and
// logged as a warning; rendering never fails on a missing key.
func (c *Cache) Render(templateID string, data map[string]string) (Rendered, error) {
	tmpl, err := c.lookup(templateID)
	if err != nil {
		return Rendered{}, err
	}

	subject, subjectN := substitute(tmpl.subjectTemplate, data)
	body, bodyN := substitute(tmpl.bodyTemplate, data)

	return Rendered{
		FinalSubject:     subject,
		FinalBody:        body,
		PlaceholderCount: subjectN + bodyN,
	}, nil
}

func (c *Cache) lookup(templateID string) (compiled, error) {
	et, err := c.store.GetTemplate(templateID)
	if err != nil {
		return compiled{}, ErrTemplateNotFound
	}
	if !et.IsActive {
		return compiled{}, ErrTemplateInactive
	}

	key := cacheKey(et.ID, et.Version)

	c.mu.RLock()
	if entry, ok := c.entries[key]; ok {
		c.mu.RUnlock()
		return entry, nil
	}
	c.mu.RUnlock()

	entry := compiled{
		id:              et.ID,
		version:         et.Version,
		subjectTemplate: et.SubjectTemplate,
		bodyTemplate:    et.BodyTemplate,
	}

	c.mu.Lock()
	c.invalidateLocked(et.ID)
	c.entries[key] = entry
	c.mu.Unlock()

	return entry, nil
}

// Invalidate drops every cached version of a template id. Nothing in this
// module calls it: lookup already drops older versions of an id when it
// caches the version the store currently holds.
func (c *Cache) Invalidate(templateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(templateID)
}

func (c *Cache) invalidateLocked(templateID string) {
	prefix := templateID + "@"
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

func cacheKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// substitute performs a pure string replace of every {{name}} token
// found in data; unresolved tokens are left verbatim and flagged via
// the package logger, matching the "rendering is total" contract.
func substitute(tmpl string, data map[string]string) (string, int) {
	var b strings.Builder
	b.Grow(len(tmpl))

	count := 0
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start == -1 {
			b.WriteString(tmpl[i:])
			break
		}
		start += i
		b.WriteString(tmpl[i:start])

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			b.WriteString(tmpl[start:])
			break
		}
		end += start

		name := strings.TrimSpace(tmpl[start+2 : end])
		if value, ok := data[name]; ok {
			b.WriteString(value)
			count++
		} else {
			b.WriteString(tmpl[start : end+2])
			log.WithField("placeholder", name).Warn("unresolved template placeholder")
		}
		i = end + 2
	}
	return b.String(), count
}

// EnsureRequested renders a job's template if and only if the job flags
// requires_template_processing, otherwise it's a no-op that returns the
// job's own subject/body untouched.
func EnsureRequested(c *Cache, job *types.QueueJob) error {
	if !job.RequiresTemplateProcessing || job.TemplateID == "" {
		return nil
	}
	rendered, err := c.Render(job.TemplateID, job.TemplateData)
	if err != nil {
		return err
	}
	job.Subject = rendered.FinalSubject
	job.Body = rendered.FinalBody
	return nil
}
