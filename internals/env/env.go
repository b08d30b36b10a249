package env

import (
	"log"
	"strconv"

	z "github.com/Oudwins/zog"
	"github.com/Oudwins/zog/zenv"
)

type EnvStruct struct {
	HOME        string `zog:"HOME"`
	PORT        int    `zog:"STORYD_ENV_PORT"`
	JWT_SECRET  string `zog:"STORYD_JWT_SECRET"`
	REDIS_URL   string `zog:"STORYD_REDIS_URL"`
	CONFIG      string `zog:"STORYD_CONFIG"`
	LISTEN_ADDR string
	LISTEN_PROT string
	BASE_URL    string
}

var env *EnvStruct

var EnvSchema = z.Struct(z.Shape{
	"HOME":       z.String().Optional(),
	"PORT":       z.Int().Default(57880).GTE(1).LTE(65535),
	"JWT_SECRET": z.String().Optional(),
	"REDIS_URL":  z.String().Optional().Trim(),
	"CONFIG":     z.String().Optional().Trim(),
})

func Get() *EnvStruct {
	if env == nil {
		env = &EnvStruct{}
		errs := EnvSchema.Parse(zenv.NewDataProvider(), env)
		if errs != nil {
			log.Fatal("[storyd] Failed to parse environment variables ", errs)
		}

		env.LISTEN_PROT = "http://"
		env.LISTEN_ADDR = "localhost:" + strconv.Itoa(env.PORT)
		env.BASE_URL = env.LISTEN_PROT + env.LISTEN_ADDR
	}
	return env
}

// Reset drops the cached environment so the next Get re-reads it.
func Reset() {
	env = nil
}
