package registry

// AgentDescriptor describes one agent definition discovered on disk.
// Agents are markdown files whose YAML front-matter carries the metadata;
// the body is the agent's own prompt and is not loaded here.
type AgentDescriptor struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Tools       []string `json:"tools,omitempty" yaml:"tools"`
	// AllowedTools is an alternate front-matter spelling; merged into
	// Tools after parse.
	AllowedTools []string `json:"-" yaml:"allowed-tools"`
	Model        string   `json:"model,omitempty" yaml:"model"`
}

// SkillDescriptor describes one skill: a directory holding a skill.yaml
// sidecar with name, description, and an optional namespaced command.
type SkillDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Command     string `json:"command,omitempty" yaml:"command"`
}

// Snapshot is one immutable scan result.
type Snapshot struct {
	Agents []AgentDescriptor `json:"agents"`
	Skills []SkillDescriptor `json:"skills"`
}
