package launcher

import "slices"

// RemoteManagementFlag switches on the remote management agent in a
// capsule command line.
const RemoteManagementFlag = "--remote-management"

// EnableRemoteManagement returns args with the remote management flag
// appended. When the flag is already present the input slice is returned
// unchanged; otherwise a copy is extended, leaving the input untouched.
func EnableRemoteManagement(args []string) []string {
	if slices.Contains(args, RemoteManagementFlag) {
		return args
	}
	out := make([]string, len(args), len(args)+1)
	copy(out, args)
	return append(out, RemoteManagementFlag)
}
