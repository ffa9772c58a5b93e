package tier

// Info is the tier view for the signed-in user's team, shaped for the
// console UI. Usage/Limit/Models come from the team record when it carries
// them, otherwise from the configured defaults.
type Info struct {
	Name     string   `json:"name"`
	Usage    int      `json:"usage"`
	Limit    int      `json:"limit"`
	Models   []string `json:"models"`
	TeamID   string   `json:"team_id"`
	TeamName string   `json:"team_name"`
	Policy   string   `json:"policy"`
}

// Key is one API key as listed for the console, enriched with the actual
// key material when the backing secret is readable.
type Key struct {
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	Created      string `json:"created"`
	LastUsed     string `json:"lastUsed"`
	Usage        int    `json:"usage"`
	Status       string `json:"status"`
	TeamID       string `json:"team_id"`
	TeamName     string `json:"team_name"`
	Policy       string `json:"policy"`
	Alias        string `json:"alias"`
	ActualAPIKey string `json:"actualApiKey"`
}

// Key-manager wire shapes.

type teamResponse struct {
	TeamID   string   `json:"team_id"`
	TeamName string   `json:"team_name"`
	Policy   string   `json:"policy"`
	Usage    int      `json:"usage"`
	Limit    int      `json:"limit"`
	Models   []string `json:"models"`
}

type keysResponse struct {
	Keys []keyRecord `json:"keys"`
}

type keyRecord struct {
	SecretName string `json:"secret_name"`
	Alias      string `json:"alias"`
	CreatedAt  string `json:"created_at"`
	Status     string `json:"status"`
	TeamID     string `json:"team_id"`
	TeamName   string `json:"team_name"`
	Policy     string `json:"policy"`
}
