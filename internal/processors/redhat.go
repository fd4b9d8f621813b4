package processors

import (
	"sort"
	"strings"
)

// redHatKeyIDs are the short ids of the Red Hat package signing keys
var redHatKeyIDs = []string{
	"199e2f91fd431d51",
	"5326810137017186",
	"45689c882fa658e0",
	"219180cddb42a60e",
	"7514f77d8366b0d9",
	"fd372689897da07a",
	"938a80caf21541eb",
	"08b871e6a5787476",
	"e191ddb2c509e861",
}

// countRedHatPackages counts "name|version|release|vendor|signature" rows signed by Red Hat
func countRedHatPackages(in Input) (any, error) {
	if in.Output == nil {
		return NoData, nil
	}
	count := 0
	for _, line := range in.Lines() {
		fields := strings.Split(line, "|")
		sig := strings.ToLower(fields[len(fields)-1])
		for _, key := range redHatKeyIDs {
			if strings.Contains(sig, key) {
				count++
				break
			}
		}
	}
	return count, nil
}

func isRedHat(in Input) (any, error) {
	n, ok := toInt(in.Deps["redhat_packages_gpg_num_rh_packages"])
	if !ok {
		return NoData, nil
	}
	return n > 0, nil
}

func redHatCerts(in Input) (any, error) {
	var certs []string
	for _, line := range in.Lines() {
		for _, f := range strings.FieldsFunc(line, func(r rune) bool { return r == ';' || r == ' ' }) {
			if strings.HasSuffix(f, ".pem") {
				certs = append(certs, f)
			}
		}
	}
	certs = uniqueStrings(certs)
	if len(certs) == 0 {
		return NoData, nil
	}
	sort.Strings(certs)
	return certs, nil
}

func redHatProcessors() []*Processor {
	return []*Processor{
		{Key: "redhat_packages_gpg_num_rh_packages", Process: countRedHatPackages},
		{Key: "redhat_packages_gpg_is_redhat", Deps: []string{"redhat_packages_gpg_num_rh_packages"}, RequireDeps: true, Derived: true, Process: isRedHat},
		{Key: "redhat_packages_certs", Process: redHatCerts},
	}
}
