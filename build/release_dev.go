// +build dev,!testing

package build

const release = "dev"

// DEBUG enables extra sanity checks when set.
const DEBUG = true
