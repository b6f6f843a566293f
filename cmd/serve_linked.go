//go:build serve

package cmd

// Linking the serve runtime registers the "serve" extra with the feature
// registry; "raygo start" can then bring up the ingress data plane when
// serve.enable is set. Builds without this tag keep the binary minimal and
// serve.Start fails with the install hint instead.
import _ "github.com/hashmap-kz/raygo/pkg/serve/runtime"
