// +build !testing,!dev

package build

const release = "standard"

// DEBUG enables extra sanity checks when set.
const DEBUG = false
