package schema

import _ "embed"

//go:embed shrinkwrap-config.schema.json
var ConfigSchema []byte

//go:embed bundle-descriptor.schema.json
var DescriptorSchema []byte
