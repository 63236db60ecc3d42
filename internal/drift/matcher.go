// Package drift compares a stack's rendered desired state against live
// containers and classifies the result.
package drift

import (
	"strings"

	"github.com/halverson/stackdrift/internal/domain"
)

// Match pairs a desired service with a runtime container. Matchers run in
// order and the first hit wins; each container is claimed at most once.
//
//  1. explicit container_name
//  2. compose-service label on the container
//  3. replica-suffix heuristic over default compose names
func Match(svc domain.RenderedService, project string, candidates []domain.RuntimeContainer, claimed map[string]bool) *domain.RuntimeContainer {
	matchers := []func(domain.RenderedService, string, domain.RuntimeContainer) bool{
		matchExplicitName,
		matchServiceLabel,
		matchDefaultName,
	}
	for _, match := range matchers {
		for i := range candidates {
			c := &candidates[i]
			if claimed[c.ID] {
				continue
			}
			if match(svc, project, *c) {
				claimed[c.ID] = true
				return c
			}
		}
	}
	return nil
}

func matchExplicitName(svc domain.RenderedService, _ string, c domain.RuntimeContainer) bool {
	return svc.ContainerName != "" && containerName(c) == svc.ContainerName
}

func matchServiceLabel(svc domain.RenderedService, project string, c domain.RuntimeContainer) bool {
	return c.ComposeService == svc.Name && (c.ComposeProject == "" || c.ComposeProject == project)
}

// matchDefaultName recognizes compose default container names in both the V2
// dash form project-service-1 and the legacy underscore form project_service_1.
// Compose always appends the replica ordinal, so a name without one is never
// claimed here.
func matchDefaultName(svc domain.RenderedService, project string, c domain.RuntimeContainer) bool {
	name, ok := stripReplicaSuffix(containerName(c))
	if !ok {
		return false
	}
	return name == project+"-"+svc.Name || name == project+"_"+svc.Name
}

// stripReplicaSuffix removes a trailing -N or _N replica ordinal and reports
// whether one was present.
func stripReplicaSuffix(name string) (string, bool) {
	i := strings.LastIndexAny(name, "-_")
	if i <= 0 || i == len(name)-1 {
		return name, false
	}
	for _, r := range name[i+1:] {
		if r < '0' || r > '9' {
			return name, false
		}
	}
	return name[:i], true
}

func containerName(c domain.RuntimeContainer) string {
	return strings.TrimPrefix(c.Name, "/")
}
