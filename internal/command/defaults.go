package command

// Defaults are sample templates written by "supervisr config init".
// Report-driven kinds print JSON status lines on stdout; the others are
// supervised by heartbeat and exit.
func Defaults() map[string]Template {
	return map[string]Template{
		"basecaller": {
			Command: `basecaller --sid {{quote .SID}} --config {{quote (json .Params)}} --status-fd 1`,
		},
		"ppa": {
			Command: `ppa-runner --mid {{quote .MID}} --config {{quote (json .Params)}} --status-fd 1`,
		},
		"darkcal": {
			Command: `darkcal --sid {{quote .SID}} --movie-length {{param .Params "movie_length" 60}}`,
		},
		"loadingcal": {
			Command: `loadingcal --sid {{quote .SID}} --movie-length {{param .Params "movie_length" 60}}`,
		},
	}
}
