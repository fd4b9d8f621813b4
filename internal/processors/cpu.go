package processors

func positiveInt(in Input) (any, error) {
	v, err := lastInt(in)
	if err != nil || v == NoData {
		return v, err
	}
	if v.(int) == 0 {
		return NoData, nil
	}
	return v, nil
}

// cpuHyperthreading compares logical siblings per socket with physical cores
func cpuHyperthreading(in Input) (any, error) {
	siblings, ok1 := toInt(in.Deps["cpu_siblings"])
	cores, ok2 := toInt(in.Deps["cpu_core_per_socket"])
	if !ok1 || !ok2 || cores == 0 {
		return NoData, nil
	}
	return siblings == 2*cores, nil
}

// cpuCoreCount prefers the socket topology and falls back to the logical CPU count
func cpuCoreCount(in Input) (any, error) {
	perSocket, ok1 := toInt(in.Deps["cpu_core_per_socket"])
	sockets, ok2 := toInt(in.Deps["cpu_socket_count"])
	if ok1 && ok2 && perSocket > 0 && sockets > 0 {
		return perSocket * sockets, nil
	}
	count, ok := toInt(in.Deps["cpu_count"])
	if !ok || count == 0 {
		if in.Output != nil {
			return positiveInt(in)
		}
		return NoData, nil
	}
	if ht, _ := in.Deps["cpu_hyperthreading"].(bool); ht {
		return count / 2, nil
	}
	return count, nil
}

func cpuProcessors() []*Processor {
	return []*Processor{
		{Key: "cpu_count", Process: positiveInt},
		{Key: "cpu_socket_count", Process: positiveInt},
		{Key: "cpu_core_per_socket", Process: positiveInt},
		{Key: "cpu_siblings", Process: positiveInt},
		{Key: "cpu_hyperthreading", Deps: []string{"cpu_siblings", "cpu_core_per_socket"}, RequireDeps: true, Derived: true, Process: cpuHyperthreading},
		{
			Key:     "cpu_core_count",
			Deps:    []string{"cpu_core_per_socket", "cpu_socket_count", "cpu_count", "cpu_hyperthreading"},
			Derived: true,
			Process: cpuCoreCount,
		},
	}
}
