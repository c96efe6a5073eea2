package api

import (
	"fmt"
	"strings"

	"github.com/docker/distribution/reference"
)

// DeploymentImageName returns the fully qualified, tagged image reference for
// a module's build output in the given deployment registry. A nil registry
// yields a bare local reference ("<name>:<version>").
func DeploymentImageName(module *Module, registry *DeploymentRegistry) (string, error) {
	name := module.Name
	if registry != nil {
		parts := []string{registry.Hostname}
		if registry.Namespace != "" {
			parts = append(parts, registry.Namespace)
		}
		parts = append(parts, module.Name)
		name = strings.Join(parts, "/")
	}
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", fmt.Errorf("invalid image name %q for module %s: %v", name, module.Name, err)
	}
	tagged, err := reference.WithTag(named, module.Version)
	if err != nil {
		return "", fmt.Errorf("invalid image tag %q for module %s: %v", module.Version, module.Name, err)
	}
	return reference.FamiliarString(tagged), nil
}
