package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"openai-emulator/internal/models"
)

// ErrUnknownModel indicates the requested model is not listed.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates the same model id was listed twice.
var ErrDuplicateModel = errors.New("model already registered")

const defaultOwner = "openai"

// DefaultModelIDs is the listing served when no models are configured.
var DefaultModelIDs = []string{
	"gpt-3.5-turbo",
	"gpt-3.5-turbo-0301",
	"gpt-3.5-turbo-0613",
	"gpt-3.5-turbo-16k",
	"gpt-4",
	"gpt-4-0314",
	"gpt-4-0613",
	"gpt-4-32k",
	"text-davinci-003",
	"text-davinci-002",
}

// Catalog is a read-only table of model descriptors. It is built once at
// startup and never mutated, so it needs no locking.
type Catalog struct {
	models []models.ModelDescriptor
	byID   map[string]models.ModelDescriptor
}

// New validates and indexes the descriptors. Empty owners default to "openai".
func New(descriptors []models.ModelDescriptor) (*Catalog, error) {
	c := &Catalog{
		models: make([]models.ModelDescriptor, 0, len(descriptors)),
		byID:   make(map[string]models.ModelDescriptor, len(descriptors)),
	}
	for _, d := range descriptors {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, errors.New("model id must not be empty")
		}
		if _, exists := c.byID[d.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, d.ID)
		}
		if d.OwnedBy == "" {
			d.OwnedBy = defaultOwner
		}
		c.models = append(c.models, d)
		c.byID[d.ID] = d
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(lo.Map(DefaultModelIDs, func(id string, _ int) models.ModelDescriptor {
		return models.ModelDescriptor{ID: id, OwnedBy: defaultOwner}
	}))
	if err != nil {
		panic(err)
	}
	return c
}

// List returns a copy of the descriptors in configuration order.
func (c *Catalog) List() []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, len(c.models))
	copy(out, c.models)
	return out
}

// Lookup returns the descriptor for a model id.
func (c *Catalog) Lookup(id string) (models.ModelDescriptor, error) {
	d, ok := c.byID[id]
	if !ok {
		return models.ModelDescriptor{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return d, nil
}
