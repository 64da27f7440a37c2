// Package clipboard copies text to the system clipboard using the helper
// program native to the platform.
package clipboard
