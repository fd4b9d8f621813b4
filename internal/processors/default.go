package processors

// Default returns a registry holding every built-in processor
func Default() *Registry {
	r := NewRegistry()
	for _, group := range [][]*Processor{
		dmiProcessors(),
		networkProcessors(),
		systemProcessors(),
		cpuProcessors(),
		virtProcessors(),
		submanProcessors(),
		redHatProcessors(),
		jbossProcessors(),
	} {
		r.MustRegister(group...)
	}
	return r
}
