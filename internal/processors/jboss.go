package processors

import (
	"regexp"
	"strings"
)

var (
	activemqVersionPattern = regexp.MustCompile(`activemq-\w+-([\d.]+\.redhat-\d+)`)
	kieAPIVersionPattern   = regexp.MustCompile(`kie-api-([\w.]+-redhat-\d+)`)
	jwsVersionPattern      = regexp.MustCompile(`(?i)Version\s+([\d.]+)`)
)

func lineList(in Input) (any, error) {
	lines := uniqueStrings(in.Lines())
	if len(lines) == 0 {
		return NoData, nil
	}
	return lines, nil
}

// eapJarVersions parses "<version>**<date>" rows
func eapJarVersions(in Input) (any, error) {
	var out []map[string]any
	seen := map[string]bool{}
	for _, line := range in.Lines() {
		version, date, _ := strings.Cut(line, "**")
		version = strings.TrimSpace(version)
		if version == "" || seen[version] {
			continue
		}
		seen[version] = true
		entry := map[string]any{"version": version}
		if date = strings.TrimSpace(date); date != "" {
			entry["date"] = date
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return NoData, nil
	}
	return out, nil
}

func fuseUnitFiles(in Input) (any, error) {
	var units []string
	for _, line := range in.Lines() {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		lower := strings.ToLower(fields[0])
		if strings.Contains(lower, "fuse") || strings.Contains(lower, "karaf") {
			units = append(units, fields[0])
		}
	}
	units = uniqueStrings(units)
	if len(units) == 0 {
		return NoData, nil
	}
	return units, nil
}

func versionsMatching(pattern *regexp.Regexp) func(Input) (any, error) {
	return func(in Input) (any, error) {
		var versions []string
		for _, line := range in.Lines() {
			for _, m := range pattern.FindAllStringSubmatch(line, -1) {
				versions = append(versions, m[1])
			}
		}
		versions = uniqueStrings(versions)
		if len(versions) == 0 {
			return NoData, nil
		}
		return versions, nil
	}
}

func jwsInstalledWithRPM(in Input) (any, error) {
	for _, line := range in.Lines() {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "jboss web server") || strings.HasPrefix(lower, "jws") {
			return true, nil
		}
	}
	return false, nil
}

func jbossProcessors() []*Processor {
	return []*Processor{
		{Key: "jboss_eap_running_paths", Process: lineList},
		{Key: "jboss_eap_packages", Process: lineList},
		{Key: "jboss_eap_jar_ver", Process: eapJarVersions},
		{Key: "jboss_fuse_systemctl_unit_files", Process: fuseUnitFiles},
		{Key: "jboss_fuse_on_eap_activemq_ver", Process: versionsMatching(activemqVersionPattern)},
		{Key: "jboss_brms_kie_api_ver", Process: versionsMatching(kieAPIVersionPattern)},
		{Key: "jws_installed_with_rpm", Process: jwsInstalledWithRPM},
		{Key: "jws_version", Process: versionsMatching(jwsVersionPattern)},
	}
}
