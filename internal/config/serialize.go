package config

import (
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// HCL renders the effective configuration, defaults and environment
// overrides included, in config file syntax.
func (c *Config) HCL() []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("camera_kind", cty.StringVal(c.CameraKind))
	body.SetAttributeValue("rule_kind", cty.StringVal(c.RuleKind))
	body.SetAttributeValue("ops_listen", cty.StringVal(c.OpsListen))
	body.SetAttributeValue("log_level", cty.StringVal(c.LogLevel))
	if c.LogJSON {
		body.SetAttributeValue("log_json", cty.True)
	}

	if d := c.Directory; d != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("directory", nil).Body()
		b.SetAttributeValue("host", cty.StringVal(d.Host))
		b.SetAttributeValue("port", cty.NumberIntVal(int64(d.Port)))
		b.SetAttributeValue("request_timeout", cty.StringVal(d.RequestTimeout))
	}

	if fw := c.Firewall; fw != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("firewall", nil).Body()
		b.SetAttributeValue("backend", cty.StringVal(fw.Backend))
		if fw.Backend == BackendIPTables {
			b.SetAttributeValue("binary", cty.StringVal(fw.Binary))
		} else {
			b.SetAttributeValue("table", cty.StringVal(fw.Table))
		}
		b.SetAttributeValue("chain", cty.StringVal(fw.Chain))
		b.SetAttributeValue("command_timeout", cty.StringVal(fw.CommandTimeout))
		b.SetAttributeValue("max_unblock_attempts", cty.NumberIntVal(int64(fw.MaxUnblockAttempts)))
	}

	if s := c.Schedule; s != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("schedule", nil).Body()
		b.SetAttributeValue("sweep_interval", cty.StringVal(s.SweepInterval))
		b.SetAttributeValue("audit_interval", cty.StringVal(s.AuditInterval))
		b.SetAttributeValue("timezone", cty.StringVal(s.Timezone))
	}

	if s := c.Stream; s != nil {
		body.AppendNewline()
		b := body.AppendNewBlock("stream", nil).Body()
		b.SetAttributeValue("path", cty.StringVal(s.Path))
		b.SetAttributeValue("initial_backoff", cty.StringVal(s.InitialBackoff))
		b.SetAttributeValue("max_backoff", cty.StringVal(s.MaxBackoff))
		b.SetAttributeValue("error_pause", cty.StringVal(s.ErrorPause))
	}

	return hclwrite.Format(f.Bytes())
}
