package processors

import "strings"

// BareMetal is reported by virt-what when no hypervisor is detected
const BareMetal = "bare metal"

func virtWhatType(in Input) (any, error) {
	lines := in.Lines()
	if len(lines) == 0 {
		return BareMetal, nil
	}
	return lines[0], nil
}

var virtKeywords = []struct{ needle, name string }{
	{"vmware", "vmware"},
	{"kvm", "kvm"},
	{"qemu", "kvm"},
	{"xen", "xen"},
	{"virtualbox", "virtualbox"},
	{"hyper-v", "hyperv"},
	{"microsoft", "hyperv"},
}

func virtType(in Input) (any, error) {
	for _, line := range in.Lines() {
		lower := strings.ToLower(line)
		for _, kw := range virtKeywords {
			if strings.Contains(lower, kw.needle) {
				return kw.name, nil
			}
		}
	}
	return NoData, nil
}

func nonNegativeInt(in Input) (any, error) {
	return lastInt(in)
}

func virtProcessors() []*Processor {
	return []*Processor{
		{Key: "virt_what_type", Process: virtWhatType},
		{Key: "virt_type", Process: virtType},
		{Key: "virt_num_guests", Process: nonNegativeInt},
		{Key: "virt_num_running_guests", Process: nonNegativeInt},
	}
}
