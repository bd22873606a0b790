// Package seed loads curated pattern definitions from YAML or TOML files
// into the pattern store and reapplies them when the files change.
//
// A seed file lists patterns:
//
//	patterns:
//	  - signal: poll sftp
//	    component_type: SFTPAdapter
//	    category: source_adapter
//	    aliases: [sftp polling]
//	    requirements:
//	      platform: sftp
//	    times_matched: 10
//	    times_correct: 9
//
// The TOML form uses [[patterns]] tables with the same keys. Applying a seed
// file twice is harmless: equivalent patterns keep their learned statistics
// and historical counts are imported only when a pattern is first created.
package seed
