// +build testing

package build

const release = "testing"

// DEBUG enables extra sanity checks when set.
const DEBUG = true
