package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	vcpuCmds
	breakCmds
	dataCmds
	viewCmds
	osCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Controlling the guest and selecting VCPUs", vcpuCmds},
	{"Manipulating breakpoints", breakCmds},
	{"Reading and writing guest memory", dataCmds},
	{"Managing physical memory views", viewCmds},
	{"Inspecting the guest operating system", osCmds},
	{"Other commands", otherCmds},
}
