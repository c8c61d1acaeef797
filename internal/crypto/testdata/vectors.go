package testdata

// KDFVector contains a known PBKDF2-HMAC-SHA256 input/output pair.
type KDFVector struct {
	Name       string
	Secret     string
	Salt       string // Base64, 32 bytes
	Iterations int
	Key        string // Hex
}

// KDFVectors were generated independently of this package.
var KDFVectors = []KDFVector{
	{
		Name:       "numeric PIN, low iterations",
		Secret:     "135790",
		Salt:       "d2FsbGV0Z3VhcmQtdGVzdC1zYWx0LTAxMjM0NTY3ODk=",
		Iterations: 1000,
		Key:        "60226fc917d290a4ebf42b51cadffb64e4307d6bcbf8f41f994dfe43f9105042",
	},
	{
		Name:       "numeric PIN, default iterations",
		Secret:     "135790",
		Salt:       "d2FsbGV0Z3VhcmQtdGVzdC1zYWx0LTAxMjM0NTY3ODk=",
		Iterations: 100000,
		Key:        "4f80295e78927cefaded1c827c1d2a1e2c023a61bb3c7f34a5de47c7587fdd41",
	},
	{
		Name:       "different PIN and salt",
		Secret:     "000000",
		Salt:       "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=",
		Iterations: 1000,
		Key:        "3898c68a8afea05b6a7b493d80bb47590d22f3a5bce96ce439e33b4e728a4052",
	},
	{
		Name:       "fullwidth input normalises to ASCII",
		Secret:     "ｐｉｎ１２３４",
		Salt:       "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=",
		Iterations: 1000,
		Key:        "24a9a3603b70f350a9a05b51eb8265a7e6109b75ecbda7e345e2591cd388f83e",
	},
	{
		Name:       "ASCII twin of the fullwidth input",
		Secret:     "pin1234",
		Salt:       "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=",
		Iterations: 1000,
		Key:        "24a9a3603b70f350a9a05b51eb8265a7e6109b75ecbda7e345e2591cd388f83e",
	},
}
