package openai

// ModelsResponse represents the response from /v1/models.
type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model represents a single model in the OpenAI API format.
type Model struct {
	ID         string        `json:"id"`
	Object     string        `json:"object"`
	Created    int64         `json:"created"`
	OwnedBy    string        `json:"owned_by"`
	Permission []interface{} `json:"permission"`
	Root       string        `json:"root"`
	Parent     interface{}   `json:"parent"`
}

// NewModelsResponse creates a ModelsResponse with the given models.
func NewModelsResponse(models []Model) ModelsResponse {
	return ModelsResponse{
		Object: "list",
		Data:   models,
	}
}

// NewModel creates a Model entry. Root mirrors the id and parent is null,
// matching what OpenAI clients expect from self-hosted catalogues.
func NewModel(id, ownedBy string, created int64) Model {
	return Model{
		ID:         id,
		Object:     "model",
		Created:    created,
		OwnedBy:    ownedBy,
		Permission: []interface{}{},
		Root:       id,
		Parent:     nil,
	}
}
