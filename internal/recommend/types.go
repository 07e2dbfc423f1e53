package recommend

// Selection is the payload returned by the recommendation service for one
// selection id.
type Selection struct {
	OK      bool     `json:"ok"`
	Codes   []string `json:"codes"`
	Message string   `json:"message,omitempty"`
}
