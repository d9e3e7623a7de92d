package version

type GetVersionResponse struct {
	NodeID        string `json:"node_id"`
	AgentVersion  string `json:"agent_version"`
	Supervisor    string `json:"supervisor"`
	HTTPAddr      string `json:"http_addr"`
	Sinks         int    `json:"sinks"`
	CheckedAtUnix int64  `json:"checked_at_unix"`
}
