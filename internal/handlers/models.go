package handlers

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var defaultCatalog []byte

type Model struct {
	ID      string `json:"id" yaml:"id"`
	Object  string `json:"object" yaml:"-"`
	Created int64  `json:"created" yaml:"created"`
	OwnedBy string `json:"owned_by" yaml:"owned_by"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// LoadCatalog reads the model list from path, or the built-in list when
// path is empty.
func LoadCatalog(path string) (*ModelList, error) {
	data := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read models catalog: %w", err)
		}
		data = b
	}

	var doc struct {
		Models []Model `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse models catalog: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, errors.New("models catalog is empty")
	}

	for i := range doc.Models {
		if doc.Models[i].ID == "" {
			return nil, fmt.Errorf("models[%d]: id is required", i)
		}
		doc.Models[i].Object = "model"
	}
	return &ModelList{Object: "list", Data: doc.Models}, nil
}

// ModelsHandler serves the static catalog.
type ModelsHandler struct {
	Catalog *ModelList
}

func NewModelsHandler(catalog *ModelList) *ModelsHandler {
	return &ModelsHandler{Catalog: catalog}
}

func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog)
}

// Health always answers 200 while the process serves requests.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
