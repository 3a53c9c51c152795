// Package roles maps a member's role ids to role names.
package roles

import "github.com/BENDERFACToRY/gatekeeper/discord"

// Resolution is the outcome of mapping a member's role ids through a guild's roles.
type Resolution struct {
	// Names holds the resolved role names in the order the ids appeared on the member.
	Names []string

	// Unmapped holds role ids with no matching guild role, usually roles
	// deleted after the member was assigned them.
	Unmapped []string
}

// Partial reports whether some role ids could not be resolved.
func (r Resolution) Partial() bool {
	return len(r.Unmapped) > 0
}

// Resolve returns the names of the member's roles. Ids with no matching guild
// role are dropped. The result is never nil.
func Resolve(guild *discord.Guild, member *discord.Member) []string {
	return ResolveDetailed(guild, member).Names
}

// ResolveDetailed is like Resolve but also reports the dropped ids.
func ResolveDetailed(guild *discord.Guild, member *discord.Member) Resolution {
	res := Resolution{Names: []string{}}
	if member == nil || len(member.Roles) == 0 {
		return res
	}

	names := nameIndex(guild)
	res.Names = make([]string, 0, len(member.Roles))
	for _, id := range member.Roles {
		name, ok := names[id]
		if !ok {
			res.Unmapped = append(res.Unmapped, id)
			continue
		}
		res.Names = append(res.Names, name)
	}
	return res
}

// nameIndex builds the id to name mapping. Later duplicates win.
func nameIndex(guild *discord.Guild) map[string]string {
	if guild == nil {
		return nil
	}
	m := make(map[string]string, len(guild.Roles))
	for _, role := range guild.Roles {
		m[role.ID] = role.Name
	}
	return m
}
