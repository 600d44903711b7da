//go:build redirfs_shared_ops

package redirfs

const defaultHookMode = HookModeShared
