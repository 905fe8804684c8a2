package saga

// Registry maps plugin type strings to plugin instances.
//
// Registration is last-writer-wins: registering a plugin under an existing
// key replaces the previous entry. The registry is not synchronized;
// registration happens at boot, before any executor or queue is started.
//
// Type parameter P is the plugin kind held by this registry.
type Registry[P Plugin] struct {
	plugins map[string]P
}

// NewRegistry creates an empty registry.
//
// Example:
//
//	workflows := saga.NewRegistry[saga.WorkflowPlugin]()
//	workflows.Register(&orderWorkflow{})
func NewRegistry[P Plugin]() *Registry[P] {
	return &Registry[P]{plugins: make(map[string]P)}
}

// Register adds the plugin under its Type key, replacing any existing entry.
func (r *Registry[P]) Register(plugin P) {
	r.plugins[plugin.Type()] = plugin
}

// Lookup returns the plugin registered under the given type key.
func (r *Registry[P]) Lookup(pluginType string) (P, bool) {
	p, ok := r.plugins[pluginType]
	return p, ok
}
