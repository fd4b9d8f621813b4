package processors

import "strings"

const azureAssetTag = "7783-7084-3265-9085-8269-3286-77"

func dmiSystemUUID(in Input) (any, error) {
	out, ok := in.DepOutput("internal_dmi_system_uuid")
	if !ok {
		return NoData, nil
	}
	lines := nonEmpty(out.StdoutLines)
	if len(lines) == 0 {
		return NoData, nil
	}
	uuid := lines[len(lines)-1]
	if len(uuid) > 36 {
		return NoData, nil
	}
	return uuid, nil
}

func dmiProcessors() []*Processor {
	return []*Processor{
		{Key: "dmi_system_uuid", Deps: []string{"internal_dmi_system_uuid"}, RequireDeps: true, Derived: true, Process: dmiSystemUUID},
		{Key: "dmi_bios_vendor", Process: lastLine},
		{Key: "dmi_bios_version", Process: lastLine},
		{Key: "dmi_system_manufacturer", Process: lastLine},
		{Key: "dmi_system_product_name", Process: lastLine},
		{Key: "dmi_chassis_asset_tag", Process: lastLine},
		{
			Key:     "cloud_provider",
			Deps:    []string{"dmi_bios_vendor", "dmi_bios_version", "dmi_system_manufacturer", "dmi_system_product_name", "dmi_chassis_asset_tag"},
			Derived: true,
			Process: cloudProvider,
		},
	}
}

func depString(in Input, key string) string {
	s, _ := in.Deps[key].(string)
	return strings.ToLower(strings.TrimSpace(s))
}

// cloudProvider classifies the hosting cloud from DMI strings
func cloudProvider(in Input) (any, error) {
	vendor := depString(in, "dmi_bios_vendor")
	version := depString(in, "dmi_bios_version")
	manufacturer := depString(in, "dmi_system_manufacturer")
	product := depString(in, "dmi_system_product_name")
	assetTag := depString(in, "dmi_chassis_asset_tag")

	switch {
	case strings.Contains(vendor, "amazon") || strings.Contains(version, "amazon") || strings.Contains(manufacturer, "amazon"):
		return "aws", nil
	case strings.Contains(vendor, "google") || strings.Contains(manufacturer, "google"):
		return "gcp", nil
	case assetTag == azureAssetTag,
		strings.Contains(manufacturer, "microsoft") && strings.Contains(product, "virtual machine"):
		return "azure", nil
	case strings.Contains(manufacturer, "alibaba cloud") || strings.Contains(product, "alibaba cloud ecs"):
		return "alibaba", nil
	}
	return NoData, nil
}
