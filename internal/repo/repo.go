// Package repo defines the repository record shared by the sync engine, the
// registry and the persistence providers.
package repo

// Repo is one repository under management. Name is the unique key.
type Repo struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	Disabled     bool   `json:"disabled"`
	ReadOnly     bool   `json:"rdonly"`
	Branch       string `json:"branch,omitempty"`
	LastSyncTime int64  `json:"lastSyncTime"`

	// Force requests one out-of-band sync. It is never persisted.
	Force bool `json:"-"`
}

// Command is a reconciliation request produced by the shell.
//
//	Disabled=false, unknown name, URL set  -> add
//	Disabled=false, known name             -> enable (and force when Force is set)
//	Disabled=true,  Force=false            -> remove
//	Disabled=true,  Force=true             -> disable but sync once more first
type Command struct {
	Name     string
	URL      string
	ReadOnly bool
	Disabled bool
	Force    bool
}

// CommandFor builds the command that re-submits r to the engine.
func CommandFor(r Repo) Command {
	return Command{
		Name:     r.Name,
		URL:      r.URL,
		ReadOnly: r.ReadOnly,
		Disabled: r.Disabled,
		Force:    r.Force,
	}
}
