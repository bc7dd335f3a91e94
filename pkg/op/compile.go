package op

import (
	"fmt"

	"github.com/3cpo-dev/dflow/internal/script"
	"github.com/3cpo-dev/dflow/pkg/api"
	"github.com/rs/zerolog/log"
)

// DefaultCommand runs the generated script.
var DefaultCommand = []string{"python"}

// CompileOptions override the container the template runs in.
type CompileOptions struct {
	Image   string
	Command []string
}

// Compile builds a script template that reconstructs the operator inside a
// container, feeds it its inputs, executes it and writes its outputs.
func Compile(d *Definition, opts CompileOptions) *api.Template {
	tmpl := api.NewTemplate(d.Name)
	tmpl.Image = opts.Image
	if opts.Command != nil {
		tmpl.Command = append([]string(nil), opts.Command...)
	} else {
		tmpl.Command = append([]string(nil), DefaultCommand...)
	}
	tmpl.InitProgress = fmt.Sprintf("%d/%d", d.ProgressCurrent, d.ProgressTotal)

	for _, sign := range d.Inputs {
		if sign.IsArtifact() {
			tmpl.Inputs.Artifacts[sign.Name] = &api.InputArtifact{Path: api.InputArtifactDir + sign.Name}
		} else {
			tmpl.Inputs.Parameters[sign.Name] = &api.InputParameter{}
		}
	}
	for _, sign := range d.Outputs {
		if sign.IsArtifact() {
			tmpl.Outputs.Artifacts[sign.Name] = &api.OutputArtifact{
				Path:    api.OutputArtifactDir + sign.Name,
				Archive: sign.Archive,
				Save:    sign.Save,
			}
		} else {
			tmpl.Outputs.Parameters[sign.Name] = &api.OutputParameter{ValueFromPath: api.OutputParameterDir + sign.Name}
		}
	}

	tmpl.Script = buildScript(d)
	log.Debug().
		Str("template", tmpl.Name).
		Int("inputs", len(d.Inputs)).
		Int("outputs", len(d.Outputs)).
		Bool("inlined", d.Source != "").
		Msg("compiled operator template")
	return tmpl
}

func buildScript(d *Definition) string {
	b := script.New()
	if d.Source != "" {
		b.Raw(d.Source).Blank()
	}
	b.Line("import jsonpickle")
	b.Line("from dflow.python import OPIO")
	b.Line("from dflow.python.utils import handle_input_artifacts, handle_output")
	if d.Source == "" {
		b.Linef("from %s import %s", d.Module, d.Name)
	}
	b.Blank()
	b.Linef("op_obj = %s()", d.Name)
	b.Line("input = OPIO()")
	b.Linef("handle_input_artifacts(input, %s.get_input_sign())", d.Name)
	for _, sign := range d.Inputs {
		switch {
		case sign.IsArtifact():
		case sign.Kind == KindString:
			b.Linef("input['%s'] = '{{inputs.parameters.%s}}'", sign.Name, sign.Name)
		default:
			b.Linef("input['%s'] = jsonpickle.loads('{{inputs.parameters.%s}}')", sign.Name, sign.Name)
		}
	}
	b.Line("output = op_obj.execute(input)")
	b.Linef("handle_output(output, %s.get_output_sign())", d.Name)
	return b.String()
}
