package remote

// Script identifiers used by the detector and the enforcement dispatcher.
const (
	ScriptProcessList      = "process-list"
	ScriptKillBrowsers     = "kill-browsers"
	ScriptShowWarning      = "show-warning"
	ScriptScheduleShutdown = "schedule-shutdown"
	ScriptCancelShutdown   = "cancel-shutdown"
)

// Scripts returns every script definition this service deploys to agents.
// Monitor scripts are invoked repeatedly; action scripts on demand.
func Scripts() []Script {
	return []Script{
		{
			ID:        ScriptProcessList,
			Version:   2,
			Platforms: []string{"linux", "darwin"},
			Script: `#!/bin/sh
ps -eo pid=,comm=,args= | while read pid comm args; do
  printf '{"pid":%s,"name":"%s","path":"%s"}\n' "$pid" "$comm" "${args%% *}"
done`,
		},
		{
			ID:        ScriptProcessList,
			Version:   2,
			Platforms: []string{"windows"},
			Script:    `Get-Process | Select-Object Id,ProcessName,Path | ConvertTo-Json`,
		},
		{
			ID:        ScriptKillBrowsers,
			Version:   3,
			Platforms: []string{"linux", "darwin"},
			Script: `#!/bin/sh
# args: {"browsers":["chrome",...],"reason":"..."}
for name in $BROWSER_PROCESS_NAMES; do
  pkill -TERM -x "$name" 2>/dev/null
done
sleep 2
for name in $BROWSER_PROCESS_NAMES; do
  pkill -KILL -x "$name" 2>/dev/null
done
echo '{"success":true}'`,
		},
		{
			ID:        ScriptKillBrowsers,
			Version:   3,
			Platforms: []string{"windows"},
			Script: `param($Args)
foreach ($name in $Args.browsers) { Stop-Process -Name $name -Force -ErrorAction SilentlyContinue }
@{ success = $true } | ConvertTo-Json`,
		},
		{
			ID:        ScriptShowWarning,
			Version:   2,
			Platforms: []string{"linux"},
			Script: `#!/bin/sh
# args: {"message":"...","urgency":"normal|high|critical"}
notify-send -u "$URGENCY" "Screen time" "$MESSAGE"
echo '{"success":true}'`,
		},
		{
			ID:        ScriptShowWarning,
			Version:   2,
			Platforms: []string{"darwin"},
			Script: `osascript -e "display notification \"$MESSAGE\" with title \"Screen time\""
echo '{"success":true}'`,
		},
		{
			ID:        ScriptShowWarning,
			Version:   2,
			Platforms: []string{"windows"},
			Script: `param($Args)
msg * /time:30 $Args.message
@{ success = $true } | ConvertTo-Json`,
		},
		{
			ID:        ScriptScheduleShutdown,
			Version:   1,
			Platforms: []string{"linux", "darwin"},
			Script: `#!/bin/sh
# args: {"shutdownAt":"RFC3339","reason":"...","warnIntervals":[10,5,1]}
# The agent enforces the absolute time locally so enforcement survives a
# dropped connection.
echo "$SHUTDOWN_AT $REASON $WARN_INTERVALS" > /var/run/screentime-shutdown
echo '{"success":true,"scheduled":true}'`,
		},
		{
			ID:        ScriptScheduleShutdown,
			Version:   1,
			Platforms: []string{"windows"},
			Script: `param($Args)
$delta = [int]([datetime]$Args.shutdownAt - (Get-Date)).TotalSeconds
shutdown /s /t $delta /c $Args.reason
@{ success = $true; scheduled = $true } | ConvertTo-Json`,
		},
		{
			ID:        ScriptCancelShutdown,
			Version:   1,
			Platforms: []string{"linux", "darwin"},
			Script: `#!/bin/sh
rm -f /var/run/screentime-shutdown
echo '{"success":true}'`,
		},
		{
			ID:        ScriptCancelShutdown,
			Version:   1,
			Platforms: []string{"windows"},
			Script: `shutdown /a
@{ success = $true } | ConvertTo-Json`,
		},
	}
}
