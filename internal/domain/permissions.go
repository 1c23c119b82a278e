package domain

// Permission nodes checked against sessions.
const (
	PermissionNotifyWarn = "ban.notify.warn"
	PermissionNotifyMute = "ban.notify.mute"
	PermissionNotifyKick = "ban.notify.kick"
	PermissionNotifyBan  = "ban.notify.ban"

	PermissionBypassMute = "ban.bypass.mute"
	PermissionBypassKick = "ban.bypass.kick"
	PermissionBypassBan  = "ban.bypass.ban"
)
