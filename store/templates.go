package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/mailforge/dispatchd/internal/types"
)

var (
	ErrTemplateNotFound  = errors.New("template not found")
	ErrTemplateNameTaken = errors.New("template name already active")
	ErrTemplateIsSystem  = errors.New("system templates cannot be deleted")
)

// InsertTemplate persists a new template, enforcing uniqueness of Name
// among active templates.
func (s *Store) InsertTemplate(tpl types.EmailTemplate) error {
	now := time.Now().UTC()
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now

	return s.db.Update(func(tx *bbolt.Tx) error {
		byName := tx.Bucket([]byte(bucketTemplatesByName))
		if tpl.IsActive {
			if existing := byName.Get([]byte(tpl.Name)); existing != nil && string(existing) != tpl.ID {
				return ErrTemplateNameTaken
			}
		}
		b := tx.Bucket([]byte(bucketTemplates))
		encoded, err := json.Marshal(tpl)
		if err != nil {
			return errors.Wrap(err, "marshal template")
		}
		if err := b.Put([]byte(tpl.ID), encoded); err != nil {
			return errors.Wrap(err, "put template")
		}
		if tpl.IsActive {
			return errors.Wrap(byName.Put([]byte(tpl.Name), []byte(tpl.ID)), "index template by name")
		}
		return nil
	})
}

func (s *Store) GetTemplate(id string) (*types.EmailTemplate, error) {
	var tpl types.EmailTemplate
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTemplates))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrTemplateNotFound
		}
		return errors.Wrap(json.Unmarshal(v, &tpl), "unmarshal template")
	})
	if err != nil {
		return nil, err
	}
	return &tpl, nil
}

// UpdateTemplate bumps Version and rewrites the row; it invalidates any
// caller-side template cache keyed by (id, version) implicitly, since the
// version changes.
func (s *Store) UpdateTemplate(id string, mutate func(*types.EmailTemplate)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTemplates))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrTemplateNotFound
		}
		var tpl types.EmailTemplate
		if err := json.Unmarshal(v, &tpl); err != nil {
			return errors.Wrap(err, "unmarshal template")
		}
		mutate(&tpl)
		tpl.Version++
		tpl.UpdatedAt = time.Now().UTC()
		encoded, err := json.Marshal(tpl)
		if err != nil {
			return errors.Wrap(err, "marshal template")
		}
		return errors.Wrap(b.Put([]byte(id), encoded), "put template")
	})
}

// DeleteTemplate removes a non-system template.
func (s *Store) DeleteTemplate(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTemplates))
		v := b.Get([]byte(id))
		if v == nil {
			return ErrTemplateNotFound
		}
		var tpl types.EmailTemplate
		if err := json.Unmarshal(v, &tpl); err != nil {
			return errors.Wrap(err, "unmarshal template")
		}
		if tpl.IsSystem {
			return ErrTemplateIsSystem
		}
		byName := tx.Bucket([]byte(bucketTemplatesByName))
		if existing := byName.Get([]byte(tpl.Name)); existing != nil && string(existing) == id {
			if err := byName.Delete([]byte(tpl.Name)); err != nil {
				return errors.Wrap(err, "delete template name index")
			}
		}
		return errors.Wrap(b.Delete([]byte(id)), "delete template")
	})
}

func (s *Store) ListTemplates() ([]types.EmailTemplate, error) {
	var out []types.EmailTemplate
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketTemplates))
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tpl types.EmailTemplate
			if err := json.Unmarshal(v, &tpl); err != nil {
				return errors.Wrap(err, "unmarshal template during list")
			}
			out = append(out, tpl)
		}
		return nil
	})
	return out, err
}
