package plugin

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/rzkeychange/internal/core"
)

// DecodeOptions decodes a plugin option map into out, a pointer to a
// struct with mapstructure tags. Durations accept strings such as "500ms";
// numbers and booleans accept their string forms. Unknown keys are an error.
func DecodeOptions(cfg map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
	}
	return nil
}
