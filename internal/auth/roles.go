package auth

// permissions are strings like "analysis:submit", "queue:admin", "admin:*"
const (
	PermAnalysisSubmit  = "analysis:submit"
	PermAnalysisReadOwn = "analysis:read_own"
	PermAnalysisReadAll = "analysis:read_all"
	PermQueueAdmin      = "queue:admin"
	PermAdminAll        = "admin:*"
)

var roleToPerms = map[string][]string{
	"user":  {PermAnalysisSubmit, PermAnalysisReadOwn},
	"admin": {PermAnalysisSubmit, PermAnalysisReadOwn, PermAnalysisReadAll, PermQueueAdmin, PermAdminAll},
}

func PermsForRoles(roles []string) map[string]struct{} {
	out := make(map[string]struct{}, 8)
	for _, r := range roles {
		if perms, ok := roleToPerms[r]; ok {
			for _, p := range perms {
				out[p] = struct{}{}
			}
		}
	}
	return out
}

// HasPerm reports whether roles grant required; admin:* grants everything.
func HasPerm(roles []string, required string) bool {
	perms := PermsForRoles(roles)
	if _, ok := perms[PermAdminAll]; ok {
		return true
	}
	_, ok := perms[required]
	return ok
}
