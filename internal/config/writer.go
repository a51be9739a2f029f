package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// EncodeScopesHCL renders scope blocks in the syntax LoadHCL reads, so a
// dump of the live rule tables can be loaded back as configuration.
func EncodeScopesHCL(scopes []ScopeConfig) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	for i, sc := range scopes {
		if i > 0 {
			body.AppendNewline()
		}
		block := body.AppendNewBlock("scope", []string{sc.IP, sc.Table})
		sb := block.Body()
		for j, r := range sc.Rules {
			if j > 0 {
				sb.AppendNewline()
			}
			writeRule(sb.AppendNewBlock("rule", []string{r.Name}).Body(), r)
		}
	}
	return f.Bytes()
}

func writeRule(body *hclwrite.Body, r RuleConfig) {
	body.SetAttributeValue("action", cty.StringVal(r.Action))

	setBool := func(name string, v bool) {
		if v {
			body.SetAttributeValue(name, cty.True)
		}
	}
	setString := func(name, v string) {
		if v != "" {
			body.SetAttributeValue(name, cty.StringVal(v))
		}
	}
	setInt := func(name string, v *int) {
		if v != nil {
			body.SetAttributeValue(name, cty.NumberIntVal(int64(*v)))
		}
	}

	setBool("hashable", r.Hashable)
	setBool("max_priority", r.MaxPriority)
	setBool("retain_header", r.RetainHeader)
	setString("src_addr", r.SrcAddr)
	setString("dst_addr", r.DstAddr)
	setInt("protocol", r.Protocol)
	setInt("src_port", r.SrcPort)
	setInt("dst_port", r.DstPort)
	setString("src_port_range", r.SrcPortRange)
	setString("dst_port_range", r.DstPortRange)
	setInt("tos", r.TOS)
	setInt("tos_mask", r.TOSMask)
	setInt("flow_label", r.FlowLabel)
	setBool("fragment", r.Fragment)
	setBool("pure_ack", r.PureAck)
	setInt("vlan", r.VLAN)
}
