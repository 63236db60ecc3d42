// Package registry owns stack identity: CRUD over the stack catalog plus the
// auto-devops policy that decides whether a stack may be deployed without a
// human pressing the button.
package registry

// EffectiveAutoDevOps resolves the tri-state override chain. The most
// specific non-nil override wins: stack, then host/group scope, then the
// global setting, then the environment default.
func EffectiveAutoDevOps(stack, scope, global *bool, envDefault bool) bool {
	for _, o := range []*bool{stack, scope, global} {
		if o != nil {
			return *o
		}
	}
	return envDefault
}
