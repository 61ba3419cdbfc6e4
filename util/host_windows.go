//go:build windows

package util

import (
	"golang.org/x/sys/windows"
)

func freeSpace(path string) (uint64, error) {
	root, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var freeAvailable, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(root, &freeAvailable, &total, &totalFree); err != nil {
		return 0, err
	}
	return freeAvailable, nil
}

// elevated checks membership of the process token in BUILTIN\Administrators.
// With UAC a filtered admin token reports the group as deny-only, which
// IsMember treats as not a member.
func elevated() bool {
	var adminSid *windows.SID
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&adminSid)
	if err != nil {
		return false
	}
	defer windows.FreeSid(adminSid)

	isMember, err := windows.Token(0).IsMember(adminSid)
	return err == nil && isMember
}
